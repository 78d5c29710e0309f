package messaging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"clustermsg/message"
	"clustermsg/middleware"
	"clustermsg/transport"
)

// Executor decouples handler execution from the dispatch goroutine. The
// default runs the task inline.
type Executor func(task func())

func inlineExecutor(task func()) { task() }

// HandlerOption configures handler registration.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	executor Executor
}

// WithExecutor wraps handler invocation in e, e.g. to serialize handlers on
// a dedicated goroutine or pool.
func WithExecutor(e Executor) HandlerOption {
	return func(o *handlerOptions) { o.executor = e }
}

func buildOptions(opts []HandlerOption) handlerOptions {
	o := handlerOptions{executor: inlineExecutor}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RegisterConsumer registers a fire-and-forget handler: it never replies, so
// request/reply calls to the subject run into their timeout. Registering a
// subject twice replaces the previous handler.
func (s *Service) RegisterConsumer(subject string, h func(sender message.Address, payload []byte), opts ...HandlerOption) {
	o := buildOptions(opts)
	s.handlers.Store(subject, middleware.HandlerFunc(func(req *message.Request, _ transport.ServerConnection) {
		o.executor(func() {
			defer s.recoverHandler(req.Subject)
			h(req.Sender, req.Payload)
		})
	}))
}

// RegisterHandler registers a synchronous request handler. A returned error
// or panic is reported to the sender as a handler failure.
func (s *Service) RegisterHandler(subject string, h func(sender message.Address, payload []byte) ([]byte, error), opts ...HandlerOption) {
	o := buildOptions(opts)
	s.handlers.Store(subject, middleware.HandlerFunc(func(req *message.Request, conn transport.ServerConnection) {
		o.executor(func() {
			payload, err := runHandler(h, req)
			if err != nil {
				s.log.Warn("an error occurred in a message handler",
					zap.String("subject", req.Subject),
					zap.Error(err))
				_ = conn.Reply(req, message.StatusHandlerException, nil)
				return
			}
			_ = conn.Reply(req, message.StatusOK, payload)
		})
	}))
}

// RegisterAsyncHandler registers a handler that produces its reply on a
// channel. The reply frame is written when the result arrives; a result
// error is reported to the sender as a handler failure.
func (s *Service) RegisterAsyncHandler(subject string, h func(sender message.Address, payload []byte) <-chan transport.Result, opts ...HandlerOption) {
	o := buildOptions(opts)
	s.handlers.Store(subject, middleware.HandlerFunc(func(req *message.Request, conn transport.ServerConnection) {
		o.executor(func() {
			results := h(req.Sender, req.Payload)
			go func() {
				res, ok := <-results
				if !ok {
					res = transport.Result{Err: errors.New("handler closed its result channel")}
				}
				if res.Err != nil {
					s.log.Warn("an error occurred in a message handler",
						zap.String("subject", req.Subject),
						zap.Error(res.Err))
					_ = conn.Reply(req, message.StatusHandlerException, nil)
					return
				}
				_ = conn.Reply(req, message.StatusOK, res.Value)
			}()
		})
	}))
}

// Unregister removes the handler for subject, if any.
func (s *Service) Unregister(subject string) {
	s.handlers.Delete(subject)
}

func (s *Service) recoverHandler(subject string) {
	if r := recover(); r != nil {
		s.log.Warn("an error occurred in a message handler",
			zap.String("subject", subject),
			zap.Any("panic", r))
	}
}

func runHandler(h func(message.Address, []byte) ([]byte, error), req *message.Request) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(req.Sender, req.Payload)
}

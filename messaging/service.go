// Package messaging implements the cluster messaging service: every node is
// both a client sending typed requests to peers and a server dispatching
// inbound requests to registered subject handlers.
//
// Sends go fire-and-forget (SendAsync) or request/reply (SendAndReceive).
// Request/reply correlation, the per-subject adaptive timeout engine, and
// the per-peer channel pool live in the transport package; this package
// wires them to listeners, the handler registry, the loopback fast path for
// self-addressed messages, and the periodic timeout sweeper.
package messaging

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"clustermsg/message"
	"clustermsg/middleware"
	"clustermsg/protocol"
	"clustermsg/registry"
	"clustermsg/transport"
)

// registryTTL is the lease TTL, in seconds, for the node's registry entry.
const registryTTL = 10

// Service is the messaging facade. Create with NewService, then Start.
type Service struct {
	cluster  string
	preamble int32
	address  message.Address
	config   Config
	log      *zap.Logger
	clock    clock.Clock

	started atomic.Bool
	idGen   atomic.Uint64

	handlers sync.Map // string → middleware.HandlerFunc

	mwMu        sync.Mutex
	middlewares []middleware.Middleware

	localClient *localClientConn

	dialer *transport.Dialer
	pool   *transport.Pool

	clientConns  sync.Map // *transport.Channel → *transport.ClientConn
	serverConns  sync.Map // *transport.Channel → *transport.ServerConn
	channelAddrs sync.Map // *transport.Channel → message.Address (dialed only)
	accepted     sync.Map // *transport.Channel → struct{}

	serverTLS *tls.Config

	listeners   []net.Listener
	sweeperStop chan struct{}

	nodes *registry.NodeRegistry
}

// NewService creates a node for the named cluster answering at address.
func NewService(cluster string, address message.Address, config Config) *Service {
	s := &Service{
		cluster:  cluster,
		preamble: protocol.Preamble(cluster),
		address:  address,
		config:   config,
		log:      config.logger().Named("messaging"),
		clock:    config.clock(),
	}
	s.localClient = newLocalClientConn(s)
	s.dialer = &transport.Dialer{
		Preamble: s.preamble,
		Log:      s.log.Named("transport"),
	}
	s.pool = transport.NewPool(s.dialChannel, s.log.Named("pool"))
	return s
}

// Address returns the node's return address.
func (s *Service) Address() message.Address {
	return s.address
}

// IsRunning reports whether Start has completed and Stop has not.
func (s *Service) IsRunning() bool {
	return s.started.Load()
}

// Use installs a dispatch middleware. Middlewares wrap every handler
// invocation, remote or loopback, in installation order outermost first; a
// request whose subject has no registered handler does not pass through them.
func (s *Service) Use(mw middleware.Middleware) {
	s.mwMu.Lock()
	defer s.mwMu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Start loads TLS material if configured, binds the configured interfaces,
// and starts the timeout sweeper. Calling Start on a running service is a
// no-op.
func (s *Service) Start() error {
	if s.started.Load() {
		s.log.Warn("already running", zap.String("address", s.address.String()))
		return nil
	}

	if s.config.TLS.Enabled {
		clientConf, serverConf, err := loadTLS(s.config.TLS, s.log)
		if err != nil {
			return err
		}
		s.serverTLS = serverConf
		s.dialer.TLS = clientConf
	}

	if err := s.bind(); err != nil {
		s.closeListeners()
		return err
	}

	if len(s.config.RegistryEndpoints) > 0 {
		nodes, err := registry.NewNodeRegistry(s.config.RegistryEndpoints, s.cluster)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("connecting node registry: %w", err)
		}
		if err := nodes.Register(s.address, registryTTL); err != nil {
			_ = nodes.Close()
			s.closeListeners()
			return fmt.Errorf("registering node: %w", err)
		}
		s.nodes = nodes
	}

	s.sweeperStop = make(chan struct{})
	go s.sweep(s.sweeperStop)

	s.started.Store(true)
	s.log.Info("started", zap.String("address", s.address.String()))
	return nil
}

// bind listens on every configured interface (0.0.0.0 when none) at the
// configured port. Any bind failure fails startup.
func (s *Service) bind() error {
	port := s.config.Port
	if port == 0 {
		port = s.address.Port
	}
	interfaces := s.config.Interfaces
	if len(interfaces) == 0 {
		interfaces = []string{"0.0.0.0"}
	}

	for _, iface := range interfaces {
		ln, err := net.Listen("tcp", net.JoinHostPort(iface, strconv.Itoa(port)))
		if err != nil {
			s.log.Warn("failed to bind",
				zap.String("interface", iface),
				zap.Int("port", port),
				zap.Error(err))
			return fmt.Errorf("binding %s:%d: %w", iface, port, err)
		}
		s.log.Info("TCP server listening for connections",
			zap.String("interface", iface),
			zap.Int("port", port))
		s.listeners = append(s.listeners, ln)
		go s.acceptLoop(ln)
	}
	return nil
}

func (s *Service) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.started.Load() {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		go s.acceptChannel(conn)
	}
}

// acceptChannel runs the server side of the pipeline on a new inbound
// connection: socket options, optional TLS, handshake with version
// negotiation, then the read loop feeding the dispatcher.
func (s *Service) acceptChannel(conn net.Conn) {
	ch, err := transport.Accept(conn, s.preamble, s.serverTLS, s.log.Named("transport"))
	if err != nil {
		s.log.Warn("handshake failed, closing connection",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		return
	}
	s.accepted.Store(ch, struct{}{})
	ch.Start(s.handleMessage, s.onChannelInactive)
}

// dialChannel opens an outbound channel: the pool calls it for empty or
// failed slots.
func (s *Service) dialChannel(addr message.Address) (*transport.Channel, error) {
	ch, err := s.dialer.Dial(addr)
	if err != nil {
		return nil, err
	}
	s.channelAddrs.Store(ch, addr)
	ch.Start(s.handleMessage, s.onChannelInactive)
	return ch, nil
}

// Stop closes the listeners and every open channel, then stops the timeout
// sweeper. Outstanding callbacks are not failed proactively; they complete
// exceptionally as their channels close. Only the first call does work.
func (s *Service) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}

	var err error
	err = multierr.Append(err, s.closeListeners())

	s.pool.CloseAll()
	s.accepted.Range(func(key, _ any) bool {
		_ = key.(*transport.Channel).Close()
		return true
	})
	s.clientConns.Range(func(key, _ any) bool {
		_ = key.(*transport.Channel).Close()
		return true
	})

	close(s.sweeperStop)

	if s.nodes != nil {
		err = multierr.Append(err, s.nodes.Deregister(s.address))
		err = multierr.Append(err, s.nodes.Close())
		s.nodes = nil
	}

	s.log.Info("stopped")
	return err
}

func (s *Service) closeListeners() error {
	var err error
	for _, ln := range s.listeners {
		err = multierr.Append(err, ln.Close())
	}
	s.listeners = nil
	return err
}

// Peers lists the cluster members known to the node registry, excluding this
// node. Requires RegistryEndpoints to be configured.
func (s *Service) Peers() ([]message.Address, error) {
	if s.nodes == nil {
		return nil, errors.New("no node registry configured")
	}
	members, err := s.nodes.Members()
	if err != nil {
		return nil, err
	}
	peers := members[:0]
	for _, m := range members {
		if m != s.address {
			peers = append(peers, m)
		}
	}
	return peers, nil
}

// SendAsync sends a fire-and-forget message. The returned error reports
// write failure only; there is no delivery acknowledgement.
func (s *Service) SendAsync(to message.Address, subject string, payload []byte) error {
	req := s.newRequest(subject, payload)
	if to == s.address {
		return s.localClient.sendAsync(req)
	}

	ch, err := s.pool.Get(to, subject, s.evictChannel)
	if err != nil {
		return err
	}
	conn := s.clientConn(ch)
	if err := conn.SendAsync(req); err != nil {
		s.closeFailedChannel(ch, conn)
		return err
	}
	return nil
}

// SendAndReceive sends a request and blocks for the reply, using the
// adaptive timeout for the subject.
func (s *Service) SendAndReceive(to message.Address, subject string, payload []byte) ([]byte, error) {
	res := <-s.SendAndReceiveAsync(to, subject, payload, 0)
	return res.Value, res.Err
}

// SendAndReceiveTimeout is SendAndReceive with a static timeout instead of
// the adaptive one.
func (s *Service) SendAndReceiveTimeout(to message.Address, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	res := <-s.SendAndReceiveAsync(to, subject, payload, timeout)
	return res.Value, res.Err
}

// SendAndReceiveAsync sends a request and returns a channel that receives
// exactly one Result when the reply arrives, the request times out, or the
// connection fails. timeout 0 selects the adaptive deadline. Self-addressed
// requests take the loopback path and never open a socket.
func (s *Service) SendAndReceiveAsync(to message.Address, subject string, payload []byte, timeout time.Duration) <-chan transport.Result {
	req := s.newRequest(subject, payload)
	if to == s.address {
		return s.localClient.sendAndReceive(req, timeout)
	}

	out := make(chan transport.Result, 1)
	go func() {
		ch, err := s.pool.Get(to, subject, s.evictChannel)
		if err != nil {
			out <- transport.Result{Err: err}
			return
		}
		conn := s.clientConn(ch)
		res := <-conn.SendAndReceive(req, timeout)
		if res.Err != nil && !errors.Is(res.Err, transport.ErrTimeout) && !transport.IsMessagingError(res.Err) {
			// Application-level messaging outcomes and timeouts leave the
			// channel open; anything else is a connection fault.
			s.closeFailedChannel(ch, conn)
		}
		out <- res
	}()
	return out
}

func (s *Service) newRequest(subject string, payload []byte) *message.Request {
	return &message.Request{
		MessageID: s.idGen.Add(1),
		Sender:    s.address,
		Subject:   subject,
		Payload:   payload,
	}
}

// clientConn returns the client connection bound to ch, creating it if this
// is the channel's first use.
func (s *Service) clientConn(ch *transport.Channel) *transport.ClientConn {
	if v, ok := s.clientConns.Load(ch); ok {
		return v.(*transport.ClientConn)
	}
	conn := transport.NewClientConn(ch, s.clock, s.log.Named("transport"))
	actual, _ := s.clientConns.LoadOrStore(ch, conn)
	return actual.(*transport.ClientConn)
}

func (s *Service) serverConn(ch *transport.Channel) *transport.ServerConn {
	if v, ok := s.serverConns.Load(ch); ok {
		return v.(*transport.ServerConn)
	}
	conn := transport.NewServerConn(ch)
	actual, _ := s.serverConns.LoadOrStore(ch, conn)
	return actual.(*transport.ServerConn)
}

// closeFailedChannel tears down a channel after a connection-level send
// failure. The read loop's inactive hook performs the map and pool cleanup.
func (s *Service) closeFailedChannel(ch *transport.Channel, conn *transport.ClientConn) {
	s.log.Debug("closing connection", zap.String("remote", ch.RemoteAddr()))
	_ = ch.Close()
	conn.Close()
}

// evictChannel drops the client connection of a channel the pool found
// inactive in a slot.
func (s *Service) evictChannel(ch *transport.Channel) {
	if v, ok := s.clientConns.LoadAndDelete(ch); ok {
		conn := v.(*transport.ClientConn)
		s.log.Debug("closing connection", zap.String("remote", ch.RemoteAddr()))
		conn.Close()
	}
}

// onChannelInactive fires exactly once per channel when its read loop exits.
// Pending callbacks fail with ErrConnectionClosed and the channel leaves
// every map and pool slot.
func (s *Service) onChannelInactive(ch *transport.Channel) {
	if v, ok := s.clientConns.LoadAndDelete(ch); ok {
		v.(*transport.ClientConn).Close()
	}
	s.serverConns.Delete(ch)
	s.accepted.Delete(ch)
	if v, ok := s.channelAddrs.LoadAndDelete(ch); ok {
		s.pool.Evict(v.(message.Address), ch)
	}
}

// handleMessage is the inbound dispatcher: requests go to the subject's
// handler through the middleware chain, replies resolve the channel's
// pending callback.
func (s *Service) handleMessage(ch *transport.Channel, msg message.ProtocolMessage) {
	switch m := msg.(type) {
	case *message.Request:
		// Handlers run off the read loop so a slow handler does not stall
		// the channel's other requests.
		go s.dispatchRequest(m, s.serverConn(ch))
	case *message.Reply:
		s.clientConn(ch).Dispatch(m)
	}
}

// dispatchRequest invokes the subject's handler, or replies
// ERROR_NO_HANDLER when none is registered.
func (s *Service) dispatchRequest(req *message.Request, conn transport.ServerConnection) {
	v, ok := s.handlers.Load(req.Subject)
	if !ok {
		s.log.Debug("no handler for subject",
			zap.String("subject", req.Subject),
			zap.String("sender", req.Sender.String()))
		_ = conn.Reply(req, message.StatusNoHandler, nil)
		return
	}
	s.invoke(v.(middleware.HandlerFunc), req, conn)
}

// invoke runs a handler through the middleware chain.
func (s *Service) invoke(h middleware.HandlerFunc, req *message.Request, conn transport.ServerConnection) {
	s.mwMu.Lock()
	mws := s.middlewares
	s.mwMu.Unlock()
	middleware.Chain(mws...)(h)(req, conn)
}

// sweep drives the timeout engine: every tick, every client connection
// sweeps its pending callbacks.
func (s *Service) sweep(stop chan struct{}) {
	ticker := s.clock.Ticker(transport.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.timeoutAllCallbacks()
		}
	}
}

func (s *Service) timeoutAllCallbacks() {
	s.localClient.TimeoutCallbacks()
	s.clientConns.Range(func(_, value any) bool {
		value.(*transport.ClientConn).TimeoutCallbacks()
		return true
	})
}

package transport

import (
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"clustermsg/message"
)

// DialFunc opens, handshakes, and starts a channel to a peer.
type DialFunc func(addr message.Address) (*Channel, error)

// SlotIndex maps a subject to its channel slot. All requests for one subject
// ride the same slot, so ordered producers keep a stable channel while
// distinct subjects spread across the pool.
func SlotIndex(subject string) int {
	return int(murmur3.Sum32([]byte(subject)) % PoolSize)
}

// channelFuture resolves once with a connected channel or a dial error.
type channelFuture struct {
	done chan struct{}
	ch   *Channel
	err  error
}

func newChannelFuture() *channelFuture {
	return &channelFuture{done: make(chan struct{})}
}

func (f *channelFuture) resolve(ch *Channel, err error) {
	f.ch = ch
	f.err = err
	close(f.done)
}

// failed reports whether the future has already resolved with an error.
// Unresolved futures are not failed: callers joining an in-flight dial wait
// on it rather than starting another.
func (f *channelFuture) failed() bool {
	select {
	case <-f.done:
		return f.err != nil
	default:
		return false
	}
}

// channelPool is the fixed slot array for one peer address.
type channelPool struct {
	mu    sync.Mutex
	slots [PoolSize]*channelFuture
}

// Pool lazily maintains PoolSize channels per peer address. A slot holds
// either nil or a future resolving to a connected channel; a slot whose
// future resolved with an error is replaced before reuse.
type Pool struct {
	dial DialFunc
	log  *zap.Logger

	mu    sync.Mutex
	pools map[message.Address]*channelPool
}

// NewPool creates a pool dialing through dial.
func NewPool(dial DialFunc, log *zap.Logger) *Pool {
	return &Pool{
		dial:  dial,
		log:   log,
		pools: make(map[message.Address]*channelPool),
	}
}

func (p *Pool) pool(addr message.Address) *channelPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := p.pools[addr]
	if cp == nil {
		cp = &channelPool{}
		p.pools[addr] = cp
	}
	return cp
}

// Get returns an active channel to addr for the given subject, dialing one
// if the subject's slot is empty or holds a failed future. A resolved
// channel that went inactive before use is evicted from its slot and the
// lookup retried; onEvict lets the owner drop per-channel state before the
// retry.
func (p *Pool) Get(addr message.Address, subject string, onEvict func(*Channel)) (*Channel, error) {
	cp := p.pool(addr)
	offset := SlotIndex(subject)

	for {
		cp.mu.Lock()
		f := cp.slots[offset]
		if f == nil || f.failed() {
			f = newChannelFuture()
			cp.slots[offset] = f
			p.log.Debug("connecting", zap.String("peer", addr.String()))
			go p.connect(addr, f)
		}
		cp.mu.Unlock()

		<-f.done
		if f.err != nil {
			return nil, f.err
		}
		if f.ch.Active() {
			return f.ch, nil
		}

		// The channel died between resolution and use. Clear the slot if a
		// fresher future has not replaced it already, evict the dead
		// channel's state, and go around again.
		cp.mu.Lock()
		if cp.slots[offset] == f {
			cp.slots[offset] = nil
		}
		cp.mu.Unlock()
		if onEvict != nil {
			onEvict(f.ch)
		}
	}
}

func (p *Pool) connect(addr message.Address, f *channelFuture) {
	ch, err := p.dial(addr)
	if err != nil {
		p.log.Debug("failed to connect", zap.String("peer", addr.String()), zap.Error(err))
		f.resolve(nil, err)
		return
	}
	p.log.Debug("connected", zap.String("peer", addr.String()))
	f.resolve(ch, nil)
}

// Evict clears any slot of addr's pool still holding the given channel's
// future. Called from channel-inactive handling so the slot is reusable.
func (p *Pool) Evict(addr message.Address, ch *Channel) {
	p.mu.Lock()
	cp := p.pools[addr]
	p.mu.Unlock()
	if cp == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for i, f := range cp.slots {
		if f == nil {
			continue
		}
		select {
		case <-f.done:
			if f.ch == ch {
				cp.slots[i] = nil
			}
		default:
		}
	}
}

// CloseAll closes every resolved channel in every pool. Dials still in flight
// are dropped from their slots without waiting; a channel such a dial later
// produces is not closed here.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	pools := make([]*channelPool, 0, len(p.pools))
	for _, cp := range p.pools {
		pools = append(pools, cp)
	}
	p.pools = make(map[message.Address]*channelPool)
	p.mu.Unlock()

	for _, cp := range pools {
		cp.mu.Lock()
		for i, f := range cp.slots {
			if f == nil {
				continue
			}
			select {
			case <-f.done:
				if f.ch != nil {
					_ = f.ch.Close()
				}
			default:
			}
			cp.slots[i] = nil
		}
		cp.mu.Unlock()
	}
}

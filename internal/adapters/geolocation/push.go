package geolocation

import (
	"context"
	"sync"
	"time"

	"github.com/okian/fleetwatch/internal/domain/geo"
)

// PushProvider is fed by a remote device: the device posts fixes (or its
// location error) and the tracker reads them through the Provider API.
type PushProvider struct {
	mu       sync.Mutex
	last     geo.Fix
	hasFix   bool
	lastErr  error
	changed  chan struct{}
	watchers map[chan Reading]struct{}
	closed   bool
	now      func() time.Time
}

// PushOption configures a PushProvider.
type PushOption func(*PushProvider)

// WithPushClock sets the clock used for fix age and default timestamps.
func WithPushClock(now func() time.Time) PushOption {
	return func(p *PushProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPushProvider returns a provider with no fix yet.
func NewPushProvider(opts ...PushOption) *PushProvider {
	p := &PushProvider{
		changed:  make(chan struct{}),
		watchers: make(map[chan Reading]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Push records a fix from the device. A zero timestamp means now.
func (p *PushProvider) Push(fix geo.Fix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = p.now()
	}
	p.last, p.hasFix, p.lastErr = fix, true, nil
	p.broadcast(Reading{Fix: fix})
}

// Fail records a device-side location error. It is returned by the next
// CurrentPosition and delivered to watchers.
func (p *PushProvider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || err == nil {
		return
	}
	p.lastErr = err
	p.broadcast(Reading{Err: err})
}

// Last returns the latest pushed fix.
func (p *PushProvider) Last() (geo.Fix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasFix
}

// CurrentPosition implements Provider. It returns the latest fix if it is
// within opts.MaximumAge, otherwise waits up to opts.Timeout for a push.
func (p *PushProvider) CurrentPosition(ctx context.Context, opts Options) (geo.Fix, error) {
	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return geo.Fix{}, ErrUnavailable
		}
		if p.lastErr != nil {
			err := p.lastErr
			p.mu.Unlock()
			return geo.Fix{}, err
		}
		if p.hasFix && p.now().Sub(p.last.Timestamp) <= opts.MaximumAge {
			fix := p.last
			p.mu.Unlock()
			return fix, nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return geo.Fix{}, ErrTimeout
		case <-ctx.Done():
			return geo.Fix{}, ctx.Err()
		}
	}
}

// Watch implements Provider. Each watcher holds at most one pending reading;
// a newer reading replaces an unread one, so Push never blocks.
func (p *PushProvider) Watch(ctx context.Context, _ Options) (<-chan Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrUnavailable
	}
	ch := make(chan Reading, 1)
	p.watchers[ch] = struct{}{}

	context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.watchers[ch]; ok {
			delete(p.watchers, ch)
			close(ch)
		}
	})
	return ch, nil
}

// Close ends every watch and fails later requests with ErrUnavailable.
func (p *PushProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.changed)
	for ch := range p.watchers {
		delete(p.watchers, ch)
		close(ch)
	}
}

// broadcast must be called with p.mu held.
func (p *PushProvider) broadcast(r Reading) {
	close(p.changed)
	p.changed = make(chan struct{})
	for ch := range p.watchers {
		select {
		case ch <- r:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- r
		}
	}
}

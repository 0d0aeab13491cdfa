package sockethub

import (
	"sync"
	"time"
)

// mticker fans one time.Ticker out to many subscribers. The hub uses a
// single shared ticker to schedule keepalive pings for every session
// instead of running one timer per connection. Ticks that cannot be
// delivered because a subscriber is not ready are discarded.
type mticker struct {
	mu          sync.Mutex // protects subscribers and stopped
	subscribers map[*subscriber]struct{}
	ticker      *time.Ticker
	stopCh      chan struct{}
	stopped     bool
}

type subscriber struct {
	tick chan time.Time
}

func newMTicker(interval time.Duration) *mticker {
	t := &mticker{
		subscribers: make(map[*subscriber]struct{}),
		ticker:      time.NewTicker(interval),
		stopCh:      make(chan struct{}),
	}
	go t.run()
	return t
}

// subscribe returns a handle whose tick channel receives ticks until
// unsubscribe or stop closes it.
func (t *mticker) subscribe() *subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &subscriber{tick: make(chan time.Time, 1)}
	if t.stopped {
		close(sub.tick)
		return sub
	}
	t.subscribers[sub] = struct{}{}
	return sub
}

func (t *mticker) unsubscribe(sub *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subscribers[sub]; !ok {
		return
	}
	delete(t.subscribers, sub)
	close(sub.tick)
}

// stop halts the ticker and closes every subscribed channel.
func (t *mticker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	t.ticker.Stop()
	close(t.stopCh)
	for sub := range t.subscribers {
		close(sub.tick)
		delete(t.subscribers, sub)
	}
}

func (t *mticker) run() {
	for {
		select {
		case tick := <-t.ticker.C:
			t.mu.Lock()
			for sub := range t.subscribers {
				select {
				case sub.tick <- tick:
				default:
					incr("ticks.dropped", 1)
				}
			}
			t.mu.Unlock()
		case <-t.stopCh:
			return
		}
	}
}

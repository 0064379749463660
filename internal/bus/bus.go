package bus

import (
	"sync"

	"github.com/dunamismax/mediaflow/internal/domain"
)

// Bus fans job events out to subscribers. Publish never blocks on a consumer:
// each subscription queues every event published after it subscribed and
// stops accepting events once a terminal one is queued.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe returns a subscription that sees every event published for jobID
// from now on. Its channel closes after the terminal event or Close.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := newSubscription(b, jobID)

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Finished returns a detached subscription that yields ev and closes.
func Finished(ev domain.Event) *Subscription {
	sub := newSubscription(nil, ev.JobID)
	sub.push(ev)
	go sub.pump()
	return sub
}

func (b *Bus) Publish(jobID string, ev domain.Event) {
	ev.JobID = jobID

	b.mu.Lock()
	set := b.subs[jobID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	if ev.Terminal() {
		delete(b.subs, jobID)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.push(ev)
	}
}

// Subscribers reports how many live subscriptions a job has.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.jobID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.jobID)
	}
}

type Subscription struct {
	bus   *Bus
	jobID string
	out   chan domain.Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	pending []domain.Event
	sealed  bool
}

func newSubscription(b *Bus, jobID string) *Subscription {
	return &Subscription{
		bus:   b,
		jobID: jobID,
		out:   make(chan domain.Event),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Events yields events in publish order. The channel is closed after the
// terminal event or when the subscription is closed.
func (s *Subscription) Events() <-chan domain.Event {
	return s.out
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.bus != nil {
			s.bus.remove(s)
		}
	})
}

func (s *Subscription) push(ev domain.Event) {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, ev)
	if ev.Terminal() {
		s.sealed = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return domain.Event{}, false
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, true
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
			if ev.Terminal() {
				if s.bus != nil {
					s.bus.remove(s)
				}
				return
			}
		}
	}
}

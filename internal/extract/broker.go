package extract

import (
	"sync"
	"time"

	"github.com/tinytelemetry/logtt/internal/logging"
	"github.com/tinytelemetry/logtt/internal/model"
)

// Broker fans out run notifications to subscribers. Publish never blocks:
// progress updates are dropped for a subscriber whose queue is full, and
// terminal notifications that do not fit are handed to the subscriber's
// own delivery goroutine, which keeps trying for the terminal window.
type Broker struct {
	mu             sync.Mutex
	subs           map[int]*subscriber
	next           int
	backlog        int
	terminalWindow time.Duration
	log            *logging.Logger
}

type pendingTerminal struct {
	n        model.Notification
	deadline time.Time
}

type subscriber struct {
	id  int
	out chan model.Notification

	mu      sync.Mutex
	closed  bool
	pending []pendingTerminal
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
}

// NewBroker creates a broker with per-subscriber queues of backlog entries.
func NewBroker(backlog int, terminalWindow time.Duration, logger *logging.Logger) *Broker {
	if backlog <= 0 {
		backlog = model.DefaultNotificationBacklog
	}
	if terminalWindow <= 0 {
		terminalWindow = model.DefaultTerminalNotifyWindow
	}
	return &Broker{
		subs:           make(map[int]*subscriber),
		backlog:        backlog,
		terminalWindow: terminalWindow,
		log:            logger.WithComponent("broker"),
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe() (<-chan model.Notification, func()) {
	b.mu.Lock()
	s := &subscriber{
		id:     b.next,
		out:    make(chan model.Notification, b.backlog),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	b.next++
	b.subs[s.id] = s
	b.mu.Unlock()

	go b.deliver(s)

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			close(s.done)
			s.mu.Unlock()
			<-s.exited
			close(s.out)
		})
	}
}

// Publish delivers n to every subscriber without waiting on any of them.
func (b *Broker) Publish(n model.Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.offer(s, n)
	}
}

func (b *Broker) offer(s *subscriber, n model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Queued terminals keep their place ahead of anything newer.
	if len(s.pending) == 0 {
		select {
		case s.out <- n:
			return
		default:
		}
	}
	if !n.Status.Terminal() {
		b.log.Debug().Int("subscriber", s.id).Int64("log_id", n.LogID).Msg("subscriber queue full, progress dropped")
		return
	}
	s.pending = append(s.pending, pendingTerminal{n: n, deadline: time.Now().Add(b.terminalWindow)})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliver hands queued terminal notifications to a slow subscriber, each
// within its own window.
func (b *Broker) deliver(s *subscriber) {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			p := s.pending[0]
			s.mu.Unlock()

			timer := time.NewTimer(time.Until(p.deadline))
			select {
			case s.out <- p.n:
				timer.Stop()
			case <-timer.C:
				b.log.Warn().Int("subscriber", s.id).Int64("log_id", p.n.LogID).Str("status", string(p.n.Status)).
					Msg("subscriber did not drain, terminal notification dropped")
			case <-s.done:
				timer.Stop()
				return
			}

			s.mu.Lock()
			s.pending = s.pending[1:]
			s.mu.Unlock()
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

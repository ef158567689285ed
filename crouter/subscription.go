package crouter

import (
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"github.com/collie-robotics/collie/cvoxel"
	"github.com/collie-robotics/collie/cwire"
)

// Inbound is one message delivered to a subscription handler.
type Inbound struct {
	Envelope cwire.Envelope

	// Voxel is the decoded LiDAR frame, set only for deliveries on
	// the LiDAR topic.
	Voxel *cvoxel.Frame
}

// Handler consumes messages for one subscription. Handlers run on
// the subscription's own delivery goroutine, so a slow handler delays
// only its own subscription.
type Handler func(Inbound)

// Subscription is one registered handler on a topic. It carries a
// bounded delivery queue with drop-oldest backpressure: telemetry
// topics broadcast state, so when the consumer falls behind only the
// newest messages matter.
type Subscription struct {
	log   *slog.Logger
	topic string

	handler Handler
	depth   int

	mu      sync.Mutex
	q       *queue.Queue
	dropped uint64

	wake     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	finished chan struct{}
}

// Topic reports the topic this subscription receives.
func (s *Subscription) Topic() string {
	return s.topic
}

// Dropped reports how many messages drop-oldest backpressure has
// discarded so far.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func newSubscription(log *slog.Logger, topic string, depth int, h Handler) *Subscription {
	s := &Subscription{
		log:   log,
		topic: topic,

		handler: h,
		depth:   depth,

		q: queue.New(),

		wake: make(chan struct{}, 1),
		done: make(chan struct{}),

		finished: make(chan struct{}),
	}

	go s.deliver()
	return s
}

// enqueue adds one message, evicting the oldest queued message when
// the queue is at depth.
func (s *Subscription) enqueue(msg Inbound) {
	s.mu.Lock()
	if s.q.Length() >= s.depth {
		s.q.Remove()
		s.dropped++
		if s.dropped == 1 || s.dropped%1000 == 0 {
			s.log.Warn(
				"Subscription falling behind, dropping oldest messages",
				"topic", s.topic,
				"dropped", s.dropped,
			)
		}
	}
	s.q.Add(msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// Delivery goroutine already has a pending wakeup.
	}
}

func (s *Subscription) deliver() {
	defer close(s.finished)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			// Drain what is queued right now.
		}

		for {
			s.mu.Lock()
			if s.q.Length() == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.q.Remove().(Inbound)
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}

			s.handler(msg)
		}
	}
}

// stop ends delivery. Messages still queued are discarded. It does
// not wait for an in-flight handler call to return; use finished for
// that. Router shutdown and Unsubscribe can both reach here, so stop
// must tolerate being called twice.
func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

package service

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription delivers the messages of one fingerprint to one subscriber.
//
// Messages are queued without bound and handed to Events by a dedicated
// goroutine, so a slow subscriber neither blocks the job nor misses a message.
// Events is closed after the terminal message was received or after Close.
type Subscription struct {
	id          uuid.UUID
	fingerprint string
	out         chan Message
	notify      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	mx     sync.Mutex
	queue  []Message
	sealed bool // nothing is accepted after the terminal message or Close
	detach func(*Subscription)
}

func newSubscription(fp string) *Subscription {
	s := &Subscription{
		id:          uuid.New(),
		fingerprint: fp,
		out:         make(chan Message),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s
}

// completed returns a subscription holding only msg.
func completed(msg Message) *Subscription {
	s := newSubscription(msg.Fingerprint)
	s.push(msg, true)
	return s
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

func (s *Subscription) Fingerprint() string {
	return s.fingerprint
}

func (s *Subscription) Events() <-chan Message {
	return s.out
}

// Close stops the delivery and releases the subscription. Pending messages
// are dropped. It is safe to call Close more than once.
func (s *Subscription) Close() {
	s.mx.Lock()
	s.sealed = true
	s.queue = nil
	detach := s.detach
	s.detach = nil
	s.mx.Unlock()

	if detach != nil {
		detach(s)
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) push(msg Message, terminal bool) {
	s.mx.Lock()
	if s.sealed {
		s.mx.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	if terminal {
		s.sealed = true
		s.detach = nil
	}
	s.mx.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mx.Lock()
		if len(s.queue) == 0 {
			sealed := s.sealed
			s.mx.Unlock()
			if sealed {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mx.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

// Package bus is the in-process per-case pub/sub used to push status changes
// and specialist advice to connected clients. Delivery is best-effort within
// one connection lifetime: no persistence, no replay, and a subscriber whose
// buffer fills is disconnected rather than blocking publishers.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/triage/internal/domain"
	"github.com/carebridge/triage/internal/metrics"
)

// Event types carried on case rooms.
const (
	EventStatusUpdate = "STATUS_UPDATE"
	EventAdvicePush   = "ADVICE_PUSH"
	EventPing         = "PING"
)

// Role of a subscriber, derived from its authentication context.
type Role string

const (
	RolePHW        Role = "phw"
	RoleSpecialist Role = "specialist"
)

// Event is one message delivered to subscribers.
type Event struct {
	Type      string             `json:"type"`
	CaseID    string             `json:"case_id"`
	Status    domain.CaseStatus  `json:"status,omitempty"`
	Advice    *domain.Advice     `json:"advice,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Subscriber is one connected client in a case room.
type Subscriber struct {
	id   uint64
	role Role
	ch   chan Event

	closeOnce sync.Once
}

// Events is the subscriber's receive channel. It closes when the subscriber
// is dropped or unsubscribed.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Role returns the subscriber's room role.
func (s *Subscriber) Role() Role { return s.role }

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Bus manages case rooms.
type Bus struct {
	mu     sync.RWMutex
	rooms  map[string]map[uint64]*Subscriber
	nextID uint64
	buffer int
}

// New creates a bus; buffer is the per-subscriber channel depth.
func New(buffer int) *Bus {
	if buffer < 1 {
		buffer = 32
	}
	return &Bus{rooms: make(map[string]map[uint64]*Subscriber), buffer: buffer}
}

// Subscribe joins the case room with the given role.
func (b *Bus) Subscribe(caseID string, role Role) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{id: b.nextID, role: role, ch: make(chan Event, b.buffer)}
	room, ok := b.rooms[caseID]
	if !ok {
		room = make(map[uint64]*Subscriber)
		b.rooms[caseID] = room
	}
	room[sub.id] = sub
	metrics.WSSessions.Inc()
	return sub
}

// Unsubscribe removes the subscriber from the room and closes its channel.
func (b *Bus) Unsubscribe(caseID string, sub *Subscriber) {
	b.mu.Lock()
	room, ok := b.rooms[caseID]
	if ok {
		if _, present := room[sub.id]; present {
			delete(room, sub.id)
			metrics.WSSessions.Dec()
		}
		if len(room) == 0 {
			delete(b.rooms, caseID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// RoomSize reports the current subscriber count for a case.
func (b *Bus) RoomSize(caseID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[caseID])
}

// PublishStatus broadcasts a status transition to every subscriber in the
// case room.
func (b *Bus) PublishStatus(caseID string, status domain.CaseStatus) {
	b.publish(caseID, Event{
		Type:      EventStatusUpdate,
		CaseID:    caseID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}, nil)
}

// PublishAdvice delivers new advice to the PHW side of the room. The
// submitting specialist already holds the advice; pushing it back would be
// an echo.
func (b *Bus) PublishAdvice(caseID string, advice *domain.Advice) {
	b.publish(caseID, Event{
		Type:      EventAdvicePush,
		CaseID:    caseID,
		Advice:    advice,
		Timestamp: time.Now().UTC(),
	}, func(s *Subscriber) bool { return s.role == RolePHW })
}

// Ping sends a keepalive to every subscriber in the room.
func (b *Bus) Ping(caseID string) {
	b.publish(caseID, Event{
		Type:      EventPing,
		CaseID:    caseID,
		Timestamp: time.Now().UTC(),
	}, nil)
}

// publish fans the event out without blocking: a subscriber with a full
// buffer is dropped from the room and its channel closed.
func (b *Bus) publish(caseID string, ev Event, want func(*Subscriber) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.rooms[caseID]
	for id, sub := range room {
		if want != nil && !want(sub) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(room, id)
			metrics.WSSessions.Dec()
			metrics.EventsDropped.Inc()
			sub.close()
			log.Warn().Str("case_id", caseID).Str("role", string(sub.role)).
				Msg("dropping slow event subscriber")
		}
	}
	if len(room) == 0 {
		delete(b.rooms, caseID)
	}
}

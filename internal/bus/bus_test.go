package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/triage/internal/domain"
)

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishStatus_ReachesAllRoomMembers(t *testing.T) {
	b := New(8)
	phw := b.Subscribe("case-1", RolePHW)
	spec := b.Subscribe("case-1", RoleSpecialist)
	other := b.Subscribe("case-2", RolePHW)

	b.PublishStatus("case-1", domain.StatusEscalated)

	for _, sub := range []*Subscriber{phw, spec} {
		ev := receive(t, sub)
		assert.Equal(t, EventStatusUpdate, ev.Type)
		assert.Equal(t, "case-1", ev.CaseID)
		assert.Equal(t, domain.StatusEscalated, ev.Status)
		assert.False(t, ev.Timestamp.IsZero())
	}
	select {
	case <-other.Events():
		t.Fatal("event leaked into another case room")
	default:
	}
}

func TestPublishAdvice_TargetsPHWOnly(t *testing.T) {
	b := New(8)
	phw := b.Subscribe("case-1", RolePHW)
	spec := b.Subscribe("case-1", RoleSpecialist)

	advice := &domain.Advice{CaseID: "case-1", AdviceType: domain.AdviceUrgentReferral}
	b.PublishAdvice("case-1", advice)

	ev := receive(t, phw)
	assert.Equal(t, EventAdvicePush, ev.Type)
	require.NotNil(t, ev.Advice)
	assert.Equal(t, domain.AdviceUrgentReferral, ev.Advice.AdviceType)

	select {
	case <-spec.Events():
		t.Fatal("advice echoed back to the specialist")
	default:
	}
}

func TestPublish_OrderPreservedPerSubscriber(t *testing.T) {
	b := New(16)
	sub := b.Subscribe("case-1", RolePHW)

	transitions := []domain.CaseStatus{
		domain.StatusAnalyzed, domain.StatusEscalated,
		domain.StatusSpecialistReviewing, domain.StatusAdvised,
	}
	for _, s := range transitions {
		b.PublishStatus("case-1", s)
	}
	for _, expected := range transitions {
		assert.Equal(t, expected, receive(t, sub).Status)
	}
}

func TestPublish_SlowSubscriberDroppedNotBlocking(t *testing.T) {
	b := New(2)
	slow := b.Subscribe("case-1", RolePHW)
	healthy := b.Subscribe("case-1", RolePHW)

	// Overflow the slow subscriber's buffer while nobody reads it. Publish
	// never blocks; the healthy subscriber keeps receiving throughout.
	for i := 0; i < 10; i++ {
		b.PublishStatus("case-1", domain.StatusAnalyzed)
		receive(t, healthy)
	}

	assert.Equal(t, 1, b.RoomSize("case-1"))

	// The dropped subscriber's channel drains its buffered events, then closes.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("dropped subscriber channel never closed")
		}
	}
}

func TestUnsubscribe_ClosesChannelAndEmptiesRoom(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("case-1", RolePHW)
	require.Equal(t, 1, b.RoomSize("case-1"))

	b.Unsubscribe("case-1", sub)
	assert.Equal(t, 0, b.RoomSize("case-1"))

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Double unsubscribe is safe.
	b.Unsubscribe("case-1", sub)
}

func TestPing_Keepalive(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("case-1", RoleSpecialist)

	b.Ping("case-1")
	assert.Equal(t, EventPing, receive(t, sub).Type)
}

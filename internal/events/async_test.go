package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/domain"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memorySink) Publish(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *memorySink) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestAsync_FansOutInOrder(t *testing.T) {
	good := &memorySink{}
	failing := &memorySink{err: errors.New("unavailable")}
	a := NewAsync(16, time.Second, zap.NewNop(), failing, good)
	a.Start(context.Background())

	for i := 0; i < 5; i++ {
		a.Emit(New(KindTaskAdmitted, domain.Time(i)).Task(domain.TaskID(i)))
	}
	a.Close()

	got := good.received()
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, domain.Time(i), e.Time)
		assert.Equal(t, uint32(i), e.Attributes["task_id"])
	}
	assert.Len(t, failing.received(), 5, "a failing sink does not stop delivery")
}

func TestAsync_DropsWhenFull(t *testing.T) {
	a := NewAsync(2, time.Second, zap.NewNop())

	for i := 0; i < 5; i++ {
		a.Emit(New(KindSLAViolation, 0))
	}
	assert.Equal(t, uint64(3), a.Dropped())

	a.Start(context.Background())
	a.Close()
	a.Emit(New(KindShutdown, 0))
	assert.Equal(t, uint64(3), a.Dropped(), "emits after close are ignored")
}

func TestEvent_Attributes(t *testing.T) {
	e := New(KindMigrationStarted, 42).VM(3).Machine(1).With("reason", "sla")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, uint32(3), e.Attributes["vm_id"])
	assert.Equal(t, uint32(1), e.Attributes["machine_id"])
	assert.Equal(t, "sla", e.Attributes["reason"])

	other := New(KindMigrationStarted, 42)
	assert.NotEqual(t, e.ID, other.ID)
}

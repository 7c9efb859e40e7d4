package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/events"
)

func TestJournalFilter_Where(t *testing.T) {
	task := domain.TaskID(7)
	since := domain.Time(100)
	until := domain.Time(200)

	tests := []struct {
		name      string
		filter    JournalFilter
		wantWhere string
		wantArgs  []any
	}{
		{
			name:      "empty",
			filter:    JournalFilter{},
			wantWhere: "",
			wantArgs:  nil,
		},
		{
			name:      "kind only",
			filter:    JournalFilter{Kind: events.KindSLAViolation},
			wantWhere: " WHERE kind = $1",
			wantArgs:  []any{"sla_violation"},
		},
		{
			name:      "task and time window",
			filter:    JournalFilter{TaskID: &task, Since: &since, Until: &until},
			wantWhere: " WHERE task_id = $1 AND sim_time >= $2 AND sim_time <= $3",
			wantArgs:  []any{int64(7), int64(100), int64(200)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := tt.filter.where()
			assert.Equal(t, tt.wantWhere, where)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestNullableID(t *testing.T) {
	e := events.New(events.KindTaskAdmitted, 5).Task(3).VM(9)

	task := nullableID(e.Attributes, "task_id")
	if assert.NotNil(t, task) {
		assert.Equal(t, int64(3), *task)
	}
	vm := nullableID(e.Attributes, "vm_id")
	if assert.NotNil(t, vm) {
		assert.Equal(t, int64(9), *vm)
	}
	assert.Nil(t, nullableID(e.Attributes, "machine_id"))
	assert.Nil(t, nullableID(map[string]any{"task_id": "x"}, "task_id"))
}

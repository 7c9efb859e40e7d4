package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/vmplacer/internal/domain"
	"github.com/limiquantix/vmplacer/internal/events"
)

var _ events.Sink = (*JournalRepository)(nil)

// JournalRepository records every engine event in the placement_journal table.
type JournalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewJournalRepository creates a new PostgreSQL journal repository.
func NewJournalRepository(db *DB, logger *zap.Logger) *JournalRepository {
	return &JournalRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "journal")),
	}
}

// JournalFilter narrows a journal listing. Zero values match everything.
type JournalFilter struct {
	Kind    events.Kind
	TaskID  *domain.TaskID
	VMID    *domain.VMID
	Machine *domain.MachineID
	// Since and Until bound the simulator time, inclusive.
	Since *domain.Time
	Until *domain.Time
}

// Publish stores an event. It implements events.Sink.
func (r *JournalRepository) Publish(ctx context.Context, e events.Event) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		attrs = []byte("{}")
	}

	query := `
		INSERT INTO placement_journal (
			id, kind, sim_time, task_id, vm_id, machine_id, attributes
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.pool.Exec(ctx, query,
		e.ID,
		string(e.Kind),
		int64(e.Time),
		nullableID(e.Attributes, "task_id"),
		nullableID(e.Attributes, "vm_id"),
		nullableID(e.Attributes, "machine_id"),
		attrs,
	)
	if err != nil {
		r.logger.Error("Failed to record journal entry", zap.String("kind", string(e.Kind)), zap.Error(err))
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

// List returns journal entries in simulator time order and the total matching count.
func (r *JournalRepository) List(ctx context.Context, filter JournalFilter, limit, offset int) ([]events.Event, int64, error) {
	where, args := filter.where()

	var total int64
	if err := r.db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM placement_journal"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count journal entries: %w", err)
	}

	query := "SELECT id::text, kind, sim_time, attributes FROM placement_journal" + where +
		fmt.Sprintf(" ORDER BY sim_time, recorded_at LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := r.db.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e       events.Event
			kind    string
			simTime int64
			attrs   []byte
		)
		if err := rows.Scan(&e.ID, &kind, &simTime, &attrs); err != nil {
			return nil, 0, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Kind = events.Kind(kind)
		e.Time = domain.Time(simTime)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				r.logger.Warn("Corrupt journal attributes", zap.String("id", e.ID), zap.Error(err))
			}
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// CountByKind returns how many entries of each kind the journal holds.
func (r *JournalRepository) CountByKind(ctx context.Context) (map[events.Kind]int64, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT kind, COUNT(*) FROM placement_journal GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count journal entries: %w", err)
	}
	defer rows.Close()

	out := make(map[events.Kind]int64)
	for rows.Next() {
		var (
			kind  string
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan journal count: %w", err)
		}
		out[events.Kind(kind)] = count
	}
	return out, rows.Err()
}

// Truncate removes entries older than the given simulator time.
func (r *JournalRepository) Truncate(ctx context.Context, before domain.Time) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM placement_journal WHERE sim_time < $1`, int64(before))
	if err != nil {
		return 0, fmt.Errorf("failed to truncate journal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// where renders the filter as a WHERE clause with positional arguments.
func (f JournalFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s $%d", column, len(args)))
	}

	if f.Kind != "" {
		add("kind =", string(f.Kind))
	}
	if f.TaskID != nil {
		add("task_id =", int64(*f.TaskID))
	}
	if f.VMID != nil {
		add("vm_id =", int64(*f.VMID))
	}
	if f.Machine != nil {
		add("machine_id =", int64(*f.Machine))
	}
	if f.Since != nil {
		add("sim_time >=", int64(*f.Since))
	}
	if f.Until != nil {
		add("sim_time <=", int64(*f.Until))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// nullableID extracts a numeric ID attribute, or nil when absent.
func nullableID(attrs map[string]any, key string) *int64 {
	v, ok := attrs[key]
	if !ok {
		return nil
	}
	var id int64
	switch n := v.(type) {
	case uint32:
		id = int64(n)
	case int:
		id = int64(n)
	case int64:
		id = n
	case float64:
		id = int64(n)
	default:
		return nil
	}
	return &id
}

package cachedresults

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"resultcache/internal/domain"
)

// Materializer owns the per-query table and view in the results store: DDL,
// dynamic column assignment, and batched inserts with the shrinking value
// retry.
type Materializer struct {
	db     *sql.DB
	logger *slog.Logger

	numFields         int
	maxValueLength    int
	maxInsertAttempts int
}

// NewMaterializer creates a materializer bound to the results store.
func NewMaterializer(db *sql.DB, numFields, maxValueLength, maxInsertAttempts int, logger *slog.Logger) *Materializer {
	return &Materializer{
		db:                db,
		logger:            logger,
		numFields:         numFields,
		maxValueLength:    maxValueLength,
		maxInsertAttempts: maxInsertAttempts,
	}
}

// TableNameFor derives the backing table name from a running query id.
// Dashes are stripped so the id survives as a bare identifier; running query
// ids are UUIDs, so names never collide or get reused.
func TableNameFor(runningQueryID string) string {
	return "t" + strings.ReplaceAll(runningQueryID, "-", "")
}

// ViewNameFor derives the view name from a running query id.
func ViewNameFor(runningQueryID string) string {
	return "v" + strings.ReplaceAll(runningQueryID, "-", "")
}

// storageColumn is the physical column for a field ordinal. Ordinals below
// the fixed column count are a bug.
func storageColumn(ordinal int) string {
	return fmt.Sprintf("field%d", ordinal-domain.FixedColumnCount)
}

// CreateTable creates the backing table: the fixed columns plus numFields
// generic value columns.
func (m *Materializer) CreateTable(ctx context.Context, table string) error {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteIdentifier(table))
	b.WriteString(" (")
	for i, col := range domain.FixedColumns() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdentifier(col))
		b.WriteString(" TEXT")
	}
	for i := 0; i < m.numFields; i++ {
		b.WriteString(", ")
		b.WriteString(quoteIdentifier(fmt.Sprintf("field%d", i)))
		b.WriteString(" TEXT")
	}
	b.WriteString(")")

	_, err := m.db.ExecContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// CreateView creates the user-facing view: fixed columns pass through, each
// assigned storage column is aliased back to its source field name. Ordinals
// are emitted in storage order so the view is deterministic for a given map.
func (m *Materializer) CreateView(ctx context.Context, view, table string, fieldIndexMap map[string]int) error {
	type mapping struct {
		field   string
		ordinal int
	}
	mappings := make([]mapping, 0, len(fieldIndexMap))
	for field, ordinal := range fieldIndexMap {
		mappings = append(mappings, mapping{field, ordinal})
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].ordinal < mappings[j].ordinal })

	var b strings.Builder
	b.WriteString("CREATE VIEW ")
	b.WriteString(quoteIdentifier(view))
	b.WriteString(" AS SELECT ")
	for i, col := range domain.FixedColumns() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdentifier(col))
	}
	for _, mp := range mappings {
		b.WriteString(", ")
		b.WriteString(quoteIdentifier(storageColumn(mp.ordinal)))
		b.WriteString(" AS ")
		b.WriteString(quoteIdentifier(mp.field))
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdentifier(table))

	_, err := m.db.ExecContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("create view %s: %w", view, err)
	}
	return nil
}

// DropTable drops the backing table if it exists.
func (m *Materializer) DropTable(ctx context.Context, table string) error {
	_, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(table))
	if err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// DropView drops the view if it exists.
func (m *Materializer) DropView(ctx context.Context, view string) error {
	_, err := m.db.ExecContext(ctx, "DROP VIEW IF EXISTS "+quoteIdentifier(view))
	if err != nil {
		return fmt.Errorf("drop view %s: %w", view, err)
	}
	return nil
}

// AssignColumns extends fieldIndexMap with any fields in the batch that do
// not yet have a storage column, in first-seen order. Existing assignments
// never move. Running out of storage columns is a fatal, non-retryable load
// failure.
func (m *Materializer) AssignColumns(fieldIndexMap map[string]int, rows []*domain.CacheableRow) (added []string, err error) {
	for _, row := range rows {
		fields := make([]string, 0, len(row.ColumnValues))
		for f := range row.ColumnValues {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if _, ok := fieldIndexMap[f]; ok {
				continue
			}
			ordinal := domain.FixedColumnCount + len(fieldIndexMap)
			if ordinal-domain.FixedColumnCount >= m.numFields {
				return added, fmt.Errorf("field column capacity exhausted: %d columns configured, field %q does not fit", m.numFields, f)
			}
			fieldIndexMap[f] = ordinal
			added = append(added, f)
		}
	}
	return added, nil
}

// InsertRows writes one batch into the backing table as a single multi-row
// insert. On failure it retries with a progressively smaller value-length
// cap, so a batch with an oversized value eventually fits. Returns the number
// of rows written.
func (m *Materializer) InsertRows(ctx context.Context, table string, fieldIndexMap map[string]int, rows []*domain.CacheableRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	columns, valueFns := m.insertShape(fieldIndexMap, rows)

	var lastErr error
	for attempt := 0; attempt < m.maxInsertAttempts; attempt++ {
		// Full length on the first attempt, then a shrinking fraction.
		capLen := m.maxValueLength * (m.maxInsertAttempts - attempt) / m.maxInsertAttempts
		if capLen < 1 {
			capLen = 1
		}

		if err := m.execInsert(ctx, table, columns, rows, valueFns, capLen); err != nil {
			lastErr = err
			m.logger.Warn("batch insert failed, shrinking value cap",
				slog.String("table", table),
				slog.Int("attempt", attempt+1),
				slog.Int("valueCap", capLen),
				slog.String("error", err.Error()))
			continue
		}
		return len(rows), nil
	}
	return 0, fmt.Errorf("insert into %s failed after %d attempts: %w", table, m.maxInsertAttempts, lastErr)
}

// insertShape computes the column list for the batch: all fixed columns plus
// the storage column of every field present in the batch.
func (m *Materializer) insertShape(fieldIndexMap map[string]int, rows []*domain.CacheableRow) ([]string, []func(*domain.CacheableRow) any) {
	columns := domain.FixedColumns()
	valueFns := []func(*domain.CacheableRow) any{
		func(r *domain.CacheableRow) any { return r.User },
		func(r *domain.CacheableRow) any { return r.QueryID },
		func(r *domain.CacheableRow) any { return r.LogicName },
		func(r *domain.CacheableRow) any { return r.DataType },
		func(r *domain.CacheableRow) any { return r.EventID },
		func(r *domain.CacheableRow) any { return r.Row },
		func(r *domain.CacheableRow) any { return r.ColFam },
		func(r *domain.CacheableRow) any { return r.Markings },
		func(r *domain.CacheableRow) any { return r.ColumnMarkings },
		func(r *domain.CacheableRow) any { return r.ColumnTimestamps },
	}

	seen := map[string]bool{}
	type fieldCol struct {
		field   string
		ordinal int
	}
	var fieldCols []fieldCol
	for _, row := range rows {
		for f := range row.ColumnValues {
			ordinal, ok := fieldIndexMap[f]
			if !ok || seen[f] {
				continue
			}
			seen[f] = true
			fieldCols = append(fieldCols, fieldCol{f, ordinal})
		}
	}
	sort.Slice(fieldCols, func(i, j int) bool { return fieldCols[i].ordinal < fieldCols[j].ordinal })

	for _, fc := range fieldCols {
		field := fc.field
		columns = append(columns, storageColumn(fc.ordinal))
		valueFns = append(valueFns, func(r *domain.CacheableRow) any {
			v, ok := r.ColumnValues[field]
			if !ok {
				return nil
			}
			return v
		})
	}
	return columns, valueFns
}

func (m *Materializer) execInsert(ctx context.Context, table string, columns []string, rows []*domain.CacheableRow, valueFns []func(*domain.CacheableRow) any, capLen int) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdentifier(c)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdentifier(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(quoted, ", "))
	b.WriteString(") VALUES ")

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholder)
		for _, fn := range valueFns {
			args = append(args, truncateValue(fn(row), capLen))
		}
	}

	_, err := m.db.ExecContext(ctx, b.String(), args...)
	return err
}

// truncationMarker flags a value that was right-truncated to fit the store.
const truncationMarker = "<truncated>"

// truncateValue caps string values at capLen bytes, marking the cut. Other
// values pass through.
func truncateValue(v any, capLen int) any {
	s, ok := v.(string)
	if !ok || len(s) <= capLen {
		return v
	}
	if capLen <= len(truncationMarker) {
		return s[:capLen]
	}
	return s[:capLen-len(truncationMarker)] + truncationMarker
}

package cachedresults

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"resultcache/internal/domain"
)

// GetRows returns one page of results from a CREATED query. rowBegin is
// 1-based; a zero rowEnd defaults to rowBegin + maxPageSize - 1, or unbounded
// when no maximum is configured. Zero matching rows is a NoContentError, not
// an empty success.
func (s *Service) GetRows(ctx context.Context, key string, rowBegin, rowEnd int) (*domain.ResultsPage, error) {
	user, err := s.principal(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.resolve(ctx, key, user, false)
	if err != nil {
		return nil, err
	}
	if st.State != domain.StateCreated {
		return nil, domain.ErrValidation("query %s is not ready for retrieval (state %s)", st.DefinedQueryID, st.State)
	}
	if st.SQLQuery == "" {
		return nil, domain.ErrValidation("query %s has no generated statement", st.DefinedQueryID)
	}

	limit, err := s.pageBounds(rowBegin, rowEnd)
	if err != nil {
		return nil, err
	}

	statement := fmt.Sprintf("%s LIMIT %d,%d", st.SQLQuery, rowBegin-1, limit)
	rows, err := s.resultsDB.QueryContext(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("execute cached query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	codec, hasCodec := s.logics.Codec(st.QueryLogicName)

	page := &domain.ResultsPage{
		Status:    domain.PageComplete,
		LogicName: st.QueryLogicName,
		QueryID:   st.DefinedQueryID,
		TotalRows: st.RowsWritten,
	}

	var bytesStreamed int64
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}

		row := rowFromColumns(columns, values)
		applyFixedFields(row, st.FixedFields)
		var result any = row.ColumnValues
		if hasCodec {
			if result, err = codec.ReadFromCache(row); err != nil {
				return nil, fmt.Errorf("decode cached row: %w", err)
			}
		}
		page.Results = append(page.Results, result)

		for _, v := range values {
			bytesStreamed += int64(len(v.String))
		}
		if s.cfg.PageByteTrigger > 0 && bytesStreamed >= s.cfg.PageByteTrigger {
			// Truncate early: the caller re-requests from
			// rowBegin + len(Results).
			page.Status = domain.PagePartial
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Results) == 0 {
		return nil, domain.ErrNoContent("no rows in range [%d, %d] for query %s", rowBegin, rowEnd, st.DefinedQueryID)
	}
	return page, nil
}

// pageBounds validates the 1-based row range and returns the LIMIT count.
func (s *Service) pageBounds(rowBegin, rowEnd int) (int, error) {
	if rowBegin < 1 {
		return 0, domain.ErrValidation("row begin must be at least 1, got %d", rowBegin)
	}
	if rowEnd == 0 {
		if s.cfg.MaxPageSize <= 0 {
			return math.MaxInt32, nil
		}
		rowEnd = rowBegin + s.cfg.MaxPageSize - 1
	}
	if rowEnd < rowBegin {
		return 0, domain.ErrValidation("row end %d precedes row begin %d", rowEnd, rowBegin)
	}
	size := rowEnd - rowBegin + 1
	if s.cfg.MaxPageSize > 0 && size > s.cfg.MaxPageSize {
		return 0, domain.ErrValidation("requested %d rows exceeds maximum page size %d", size, s.cfg.MaxPageSize)
	}
	return size, nil
}

// applyFixedFields blanks fixed-column values outside the requested subset.
// An empty subset keeps everything.
func applyFixedFields(row *domain.CacheableRow, fixedFields []string) {
	if len(fixedFields) == 0 {
		return
	}
	keep := make(map[string]bool, len(fixedFields))
	for _, f := range fixedFields {
		keep[f] = true
	}
	if !keep[domain.ColumnUser] {
		row.User = ""
	}
	if !keep[domain.ColumnQueryID] {
		row.QueryID = ""
	}
	if !keep[domain.ColumnLogicName] {
		row.LogicName = ""
	}
	if !keep[domain.ColumnDataType] {
		row.DataType = ""
	}
	if !keep[domain.ColumnEventID] {
		row.EventID = ""
	}
	if !keep[domain.ColumnRow] {
		row.Row = ""
	}
	if !keep[domain.ColumnColFam] {
		row.ColFam = ""
	}
	if !keep[domain.ColumnMarkings] {
		row.Markings = ""
	}
	if !keep[domain.ColumnColumnMarkings] {
		row.ColumnMarkings = ""
	}
	if !keep[domain.ColumnColumnTimestamps] {
		row.ColumnTimestamps = ""
	}
}

// rowFromColumns rebuilds a cacheable row from a result cursor row. Fixed
// columns land on their struct fields; everything else is a dynamic field.
func rowFromColumns(columns []string, values []sql.NullString) *domain.CacheableRow {
	row := &domain.CacheableRow{ColumnValues: map[string]string{}}
	for i, col := range columns {
		v := values[i].String
		switch col {
		case domain.ColumnUser:
			row.User = v
		case domain.ColumnQueryID:
			row.QueryID = v
		case domain.ColumnLogicName:
			row.LogicName = v
		case domain.ColumnDataType:
			row.DataType = v
		case domain.ColumnEventID:
			row.EventID = v
		case domain.ColumnRow:
			row.Row = v
		case domain.ColumnColFam:
			row.ColFam = v
		case domain.ColumnMarkings:
			row.Markings = v
		case domain.ColumnColumnMarkings:
			row.ColumnMarkings = v
		case domain.ColumnColumnTimestamps:
			row.ColumnTimestamps = v
		default:
			if values[i].Valid {
				row.ColumnValues[col] = v
			}
		}
	}
	return row
}

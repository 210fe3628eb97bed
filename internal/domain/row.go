package domain

// Fixed storage columns, always present ahead of the dynamic field columns.
// The owner column is the sole row-level access control on the read path.
const (
	ColumnUser             = "_user_"
	ColumnQueryID          = "_queryId_"
	ColumnLogicName        = "_logicName_"
	ColumnDataType         = "_datatype_"
	ColumnEventID          = "_eventId_"
	ColumnRow              = "_row_"
	ColumnColFam           = "_colf_"
	ColumnMarkings         = "_markings_"
	ColumnColumnMarkings   = "_column_markings_"
	ColumnColumnTimestamps = "_column_timestamps_"
)

// FixedColumns returns the fixed column names in storage order.
func FixedColumns() []string {
	return []string{
		ColumnUser,
		ColumnQueryID,
		ColumnLogicName,
		ColumnDataType,
		ColumnEventID,
		ColumnRow,
		ColumnColFam,
		ColumnMarkings,
		ColumnColumnMarkings,
		ColumnColumnTimestamps,
	}
}

// FixedColumnCount is the number of fixed columns; dynamic field ordinals
// start immediately after it.
const FixedColumnCount = 10

// CacheableRow is one materialized result row: the fixed column values plus
// the dynamic field values keyed by source field name.
type CacheableRow struct {
	User             string
	QueryID          string
	LogicName        string
	DataType         string
	EventID          string
	Row              string
	ColFam           string
	Markings         string
	ColumnMarkings   string
	ColumnTimestamps string

	// ColumnValues maps source field name to its stored value.
	ColumnValues map[string]string
}

// PageStatus marks whether a retrieved page is complete or was truncated by
// the page byte trigger.
type PageStatus string

const (
	PageComplete PageStatus = "COMPLETE"
	PagePartial  PageStatus = "PARTIAL"
)

// ResultsPage is one page of decoded results returned by getRows. A PARTIAL
// page carries fewer rows than requested; callers continue from
// rowBegin + len(Results).
type ResultsPage struct {
	Results   []any
	Status    PageStatus
	LogicName string
	QueryID   string
	TotalRows int
}

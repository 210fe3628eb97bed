// Package logic maps query logic names to the codecs that make their
// results cacheable.
package logic

import (
	"encoding/json"
	"strconv"

	"resultcache/internal/domain"
)

// Registry resolves the codec for a query logic. A logic not present in the
// registry does not support caching.
type Registry struct {
	codecs map[string]domain.CacheCodec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]domain.CacheCodec)}
}

// Register binds a codec to a logic name, replacing any previous binding.
func (r *Registry) Register(logicName string, codec domain.CacheCodec) {
	r.codecs[logicName] = codec
}

// Codec returns the codec for the logic, if one is registered.
func (r *Registry) Codec(logicName string) (domain.CacheCodec, bool) {
	c, ok := r.codecs[logicName]
	return c, ok
}

// Reserved event keys mapped onto the fixed columns. Everything else in an
// event becomes a dynamic field.
const (
	keyEventID          = "eventId"
	keyRow              = "row"
	keyColFam           = "colFam"
	keyDataType         = "dataType"
	keyMarkings         = "markings"
	keyColumnMarkings   = "columnMarkings"
	keyColumnTimestamps = "columnTimestamps"
)

// EventCodec caches engine events decoded from JSON objects: reserved keys
// fill the fixed columns and the remaining attributes become dynamic fields.
type EventCodec struct {
	LogicName string
}

// WriteToCache converts one engine event into a cacheable row.
func (c EventCodec) WriteToCache(result any) (*domain.CacheableRow, error) {
	event, ok := result.(map[string]interface{})
	if !ok {
		return nil, domain.ErrValidation("result is not a cacheable event")
	}

	row := &domain.CacheableRow{
		LogicName:    c.LogicName,
		ColumnValues: make(map[string]string, len(event)),
	}
	for key, value := range event {
		s := formatValue(value)
		switch key {
		case keyEventID:
			row.EventID = s
		case keyRow:
			row.Row = s
		case keyColFam:
			row.ColFam = s
		case keyDataType:
			row.DataType = s
		case keyMarkings:
			row.Markings = s
		case keyColumnMarkings:
			row.ColumnMarkings = s
		case keyColumnTimestamps:
			row.ColumnTimestamps = s
		default:
			if value != nil {
				row.ColumnValues[key] = s
			}
		}
	}
	return row, nil
}

// ReadFromCache converts a stored row back into the event shape WriteToCache
// consumed, with the owner and query metadata included.
func (c EventCodec) ReadFromCache(row *domain.CacheableRow) (any, error) {
	event := make(map[string]interface{}, len(row.ColumnValues)+8)
	for field, value := range row.ColumnValues {
		event[field] = value
	}
	setIfPresent(event, keyEventID, row.EventID)
	setIfPresent(event, keyRow, row.Row)
	setIfPresent(event, keyColFam, row.ColFam)
	setIfPresent(event, keyDataType, row.DataType)
	setIfPresent(event, keyMarkings, row.Markings)
	setIfPresent(event, keyColumnMarkings, row.ColumnMarkings)
	setIfPresent(event, keyColumnTimestamps, row.ColumnTimestamps)
	return event, nil
}

func setIfPresent(event map[string]interface{}, key, value string) {
	if value != "" {
		event[key] = value
	}
}

// formatValue renders a decoded JSON value as its stored string form.
// Numbers keep their shortest representation; composites are re-encoded.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

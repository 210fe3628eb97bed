package domain

import "time"

// CachedQueryState is the lifecycle state of a cached results query.
type CachedQueryState string

const (
	StateNone     CachedQueryState = "NONE"
	StateLoading  CachedQueryState = "LOADING"
	StateLoaded   CachedQueryState = "LOADED"
	StateCreating CachedQueryState = "CREATING"
	StateCreated  CachedQueryState = "CREATED"
	StateCanceled CachedQueryState = "CANCELED"
	StateFailed   CachedQueryState = "FAILED"
)

// Terminal reports whether no further forward transitions are possible.
func (s CachedQueryState) Terminal() bool {
	return s == StateCanceled || s == StateFailed
}

// CachedQueryStatus is the cluster-shared record for one defined query id.
// All mutations must go through the status cache's locked update path.
type CachedQueryStatus struct {
	DefinedQueryID string           `json:"definedQueryId"`
	CachedQueryID  string           `json:"cachedQueryId,omitempty"`
	Alias          string           `json:"alias,omitempty"`
	View           string           `json:"view,omitempty"`
	TableName      string           `json:"tableName,omitempty"`
	State          CachedQueryState `json:"state"`

	QueryLogicName string `json:"queryLogicName,omitempty"`
	OrigQuery      string `json:"origQuery,omitempty"`
	RunningQueryID string `json:"runningQueryId,omitempty"`
	Visibility     string `json:"visibility,omitempty"`

	// FieldIndexMap maps a source field name to its storage column ordinal.
	// Ordinals start after the fixed columns and never shrink.
	FieldIndexMap map[string]int `json:"fieldIndexMap,omitempty"`
	RowsWritten   int            `json:"rowsWritten"`

	Fields      string   `json:"fields,omitempty"`
	Conditions  string   `json:"conditions,omitempty"`
	Grouping    string   `json:"grouping,omitempty"`
	Order       string   `json:"order,omitempty"`
	PageSize    int      `json:"pageSize"`
	FixedFields []string `json:"fixedFields,omitempty"`
	SQLQuery    string   `json:"sqlQuery,omitempty"`

	CurrentUser       ContextPrincipal `json:"currentUser"`
	LastUpdatedMillis int64            `json:"lastUpdatedMillis"`
}

// NewCachedQueryStatus creates a status record in the LOADING state.
func NewCachedQueryStatus(definedQueryID, cachedQueryID, alias string, currentUser ContextPrincipal) *CachedQueryStatus {
	return &CachedQueryStatus{
		DefinedQueryID:    definedQueryID,
		CachedQueryID:     cachedQueryID,
		Alias:             alias,
		State:             StateLoading,
		CurrentUser:       currentUser,
		LastUpdatedMillis: time.Now().UnixMilli(),
	}
}

// MonitorStatus is the cluster-wide singleton tracking the last successful
// expiry check. It is not owned by any single query.
type MonitorStatus struct {
	LastCheckedMillis int64 `json:"lastCheckedMillis"`
}

// Expired reports whether the monitor interval has elapsed since the last
// successful cluster-wide check.
func (m *MonitorStatus) Expired(nowMillis int64, interval time.Duration) bool {
	return nowMillis-m.LastCheckedMillis >= interval.Milliseconds()
}

// Package api provides the HTTP handlers for the cached results REST API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"resultcache/internal/domain"
	"resultcache/internal/service/cachedresults"
)

// CachedResultsService is the service surface the HTTP layer depends on.
// *cachedresults.Service implements it.
type CachedResultsService interface {
	Load(ctx context.Context, definedQueryID, alias string) (string, error)
	Create(ctx context.Context, key string, params cachedresults.CreateParams) (*cachedresults.Summary, error)
	LoadAndCreate(ctx context.Context, definedQueryID, alias string, params cachedresults.CreateParams) (*cachedresults.Summary, error)
	LoadAndCreateAsync(ctx context.Context, definedQueryID, alias string, params cachedresults.CreateParams) (string, error)
	GetRows(ctx context.Context, key string, rowBegin, rowEnd int) (*domain.ResultsPage, error)
	Status(ctx context.Context, key string) (domain.CachedQueryState, error)
	Describe(ctx context.Context, key string) (*cachedresults.DescribeResponse, error)
	Cancel(ctx context.Context, key string) error
	AdminCancel(ctx context.Context, key string) error
	Close(ctx context.Context, key string) error
	AdminClose(ctx context.Context, key string) error
	SetAlias(ctx context.Context, key, alias string) (*cachedresults.Summary, error)
	Update(ctx context.Context, key string, params cachedresults.CreateParams) (*cachedresults.Summary, error)
}

// Handler exposes the cached results service over HTTP. Identity middleware
// must run before any of these routes; handlers read the principal from the
// request context.
type Handler struct {
	svc    CachedResultsService
	audit  domain.AuditRepository
	logger *slog.Logger
}

// NewHandler creates a Handler backed by the given service.
func NewHandler(svc CachedResultsService, audit domain.AuditRepository, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, audit: audit, logger: logger}
}

// Routes mounts all cached results endpoints on a fresh router. The {key}
// path segment accepts a defined query id, alias, view name, or cached
// query id.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1/cachedresults", func(r chi.Router) {
		r.Post("/{id}/load", h.load)
		r.Post("/{id}/loadAndCreate", h.loadAndCreate)
		r.Post("/{id}/loadAndCreateAsync", h.loadAndCreateAsync)
		r.Post("/{key}/create", h.create)

		r.Get("/{key}/rows", h.getRows)
		r.Get("/{key}/status", h.status)
		r.Get("/{key}/describe", h.describe)

		r.Put("/{key}/cancel", h.cancel)
		r.Put("/{key}/alias", h.setAlias)
		r.Put("/{key}/update", h.update)

		r.Delete("/{key}", h.close)
	})

	r.Route("/v1/admin/cachedresults", func(r chi.Router) {
		r.Put("/{key}/cancel", h.adminCancel)
		r.Delete("/{key}", h.adminClose)
		r.Get("/audit", h.listAudit)
	})

	return r
}

// createRequest is the JSON body shared by create, update and the
// load-and-create variants.
type createRequest struct {
	Fields      string   `json:"fields"`
	Conditions  string   `json:"conditions"`
	Grouping    string   `json:"grouping"`
	Order       string   `json:"order"`
	PageSize    int      `json:"pageSize"`
	FixedFields []string `json:"fixedFields"`
}

func (req createRequest) params() cachedresults.CreateParams {
	return cachedresults.CreateParams{
		Fields:      req.Fields,
		Conditions:  req.Conditions,
		Grouping:    req.Grouping,
		Order:       req.Order,
		PageSize:    req.PageSize,
		FixedFields: req.FixedFields,
	}
}

func decodeCreateRequest(r *http.Request) (createRequest, error) {
	var req createRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, domain.ErrValidation("invalid request body: %s", err)
	}
	return req, nil
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alias := r.URL.Query().Get("alias")

	view, err := h.svc.Load(r.Context(), id, alias)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"definedQueryId": id,
		"viewName":       view,
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.svc.Create(r.Context(), chi.URLParam(r, "key"), req.params())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) loadAndCreate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.svc.LoadAndCreate(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("alias"), req.params())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) loadAndCreateAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cachedQueryID, err := h.svc.LoadAndCreateAsync(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("alias"), req.params())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"cachedQueryId": cachedQueryID,
	})
}

func (h *Handler) getRows(w http.ResponseWriter, r *http.Request) {
	rowBegin, err := intQueryParam(r, "rowBegin", 1)
	if err != nil {
		writeError(w, err)
		return
	}
	rowEnd, err := intQueryParam(r, "rowEnd", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := h.svc.GetRows(r.Context(), chi.URLParam(r, "key"), rowBegin, rowEnd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":   page.Results,
		"status":    page.Status,
		"logicName": page.LogicName,
		"queryId":   page.QueryID,
		"totalRows": page.TotalRows,
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.Status(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": state,
	})
}

func (h *Handler) describe(w http.ResponseWriter, r *http.Request) {
	desc, err := h.svc.Describe(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.AdminCancel(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Close(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminClose(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.AdminClose(r.Context(), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrValidation("invalid request body: %s", err))
		return
	}
	summary, err := h.svc.SetAlias(r.Context(), chi.URLParam(r, "key"), req.Alias)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.svc.Update(r.Context(), chi.URLParam(r, "key"), req.params())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// listAudit returns generated-statement audit entries, newest first. Admin
// only: the entries span all principals.
func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	user, ok := domain.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, domain.ErrAccessDenied("no authenticated principal"))
		return
	}
	if !user.IsAdmin {
		writeError(w, domain.ErrAccessDenied("user %s is not an administrator", user.Name))
		return
	}

	limit, err := intQueryParam(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intQueryParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.audit.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": auditEntriesToAPI(entries),
	})
}

type auditEntryResponse struct {
	ID         string `json:"id"`
	Principal  string `json:"principal"`
	LogicName  string `json:"logicName,omitempty"`
	OrigQuery  string `json:"origQuery,omitempty"`
	SQLQuery   string `json:"sqlQuery"`
	Visibility string `json:"visibility,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

func auditEntriesToAPI(entries []domain.AuditEntry) []auditEntryResponse {
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:         e.ID,
			Principal:  e.Principal,
			LogicName:  e.LogicName,
			OrigQuery:  e.OrigQuery,
			SQLQuery:   e.SQLQuery,
			Visibility: e.Visibility,
			CreatedAt:  e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	return out
}

func intQueryParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.ErrValidation("parameter %s must be an integer", name)
	}
	return v, nil
}

// Package httpapi exposes the ingestion coordinator and the schema registry
// over HTTP.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/fieldrec/internal/ctxlog"
	"github.com/roach88/fieldrec/internal/ingest"
	"github.com/roach88/fieldrec/internal/ir"
	"github.com/roach88/fieldrec/internal/schema"
)

// Options configures the router.
type Options struct {
	// JWTSecret enables bearer authentication when non-empty. Without it
	// every request is anonymous and the submitter id is taken from the body.
	JWTSecret string

	// Logger receives request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server holds the handlers' dependencies.
type Server struct {
	coord    *ingest.Coordinator
	registry *schema.Registry
	auth     bool
}

// NewRouter builds the HTTP handler tree.
func NewRouter(coord *ingest.Coordinator, registry *schema.Registry, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{coord: coord, registry: registry, auth: opts.JWTSecret != ""}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(Recovery)
	r.Use(CORS)

	r.Get("/health", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		if s.auth {
			r.Use(Authenticate(opts.JWTSecret))
		}

		// Forms
		r.Get("/forms", s.listForms)
		r.Get("/forms/{formId}/schema", s.getSchema)
		r.Group(func(r chi.Router) {
			if s.auth {
				r.Use(RequireRole(RoleAdmin))
			}
			r.Post("/forms", s.publishSchema)
		})

		// Submissions and records
		r.Post("/forms/{formId}/submissions", s.submit)
		r.Get("/forms/{formId}/records", s.listRecords)
		r.Get("/forms/{formId}/records/{recordId}", s.getRecord)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type formSummary struct {
	FormID   string `json:"form_id"`
	Version  int    `json:"version"`
	Title    string `json:"title,omitempty"`
	Hash     string `json:"hash"`
	Versions []int  `json:"versions"`
}

func (s *Server) listForms(w http.ResponseWriter, r *http.Request) {
	forms := s.registry.Forms()
	out := make([]formSummary, 0, len(forms))
	for _, f := range forms {
		out = append(out, formSummary{
			FormID:   f.FormID(),
			Version:  f.Version(),
			Title:    f.Title(),
			Hash:     f.Hash(),
			Versions: s.registry.Versions(f.FormID()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"forms": out})
}

type schemaResponse struct {
	Schema ir.Schema `json:"schema"`
	Hash   string    `json:"hash"`
}

func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formId")
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "version must be a positive integer", nil)
			return
		}
		version = n
	}

	sch, err := s.registry.Get(formID, version)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), map[string]any{"code": ingest.CodeNotFound})
		return
	}
	writeJSON(w, http.StatusOK, schemaResponse{Schema: sch.Definition(), Hash: sch.Hash()})
}

func (s *Server) publishSchema(w http.ResponseWriter, r *http.Request) {
	var def ir.Schema
	if err := readJSON(w, r, &def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", map[string]any{"detail": err.Error()})
		return
	}

	sch, err := s.registry.Publish(r.Context(), def)
	var invalid *schema.InvalidSchemaError
	switch {
	case err == nil:
		ctxlog.FromContext(r.Context()).Info("schema published",
			"form_id", sch.FormID(), "version", sch.Version(), "hash", sch.Hash())
		writeJSON(w, http.StatusCreated, schemaResponse{Schema: sch.Definition(), Hash: sch.Hash()})
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "invalid schema", map[string]any{"problems": invalid.Problems})
	case errors.Is(err, schema.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error(), nil)
	default:
		ctxlog.FromContext(r.Context()).Error("publish schema", "form_id", def.FormID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "schema could not be persisted", nil)
	}
}

type submitRequest struct {
	SchemaVersion int            `json:"schema_version,omitempty"`
	Nonce         string         `json:"nonce,omitempty"`
	SubmitterID   string         `json:"submitter_id,omitempty"`
	Fields        map[string]any `json:"fields"`
}

type submitResponse struct {
	Status ingest.Status `json:"status"`
	Record ir.Record     `json:"record"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", map[string]any{"detail": err.Error()})
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}

	sub := ir.Submission{
		FormID:        chi.URLParam(r, "formId"),
		SchemaVersion: req.SchemaVersion,
		Nonce:         req.Nonce,
		SubmitterID:   req.SubmitterID,
		Fields:        req.Fields,
	}
	if claims := ClaimsFrom(r.Context()); claims != nil {
		sub.SubmitterID = claims.SubmitterID
	}

	out, err := s.coord.Submit(r.Context(), sub)
	if err != nil {
		writeIngestError(w, r, err)
		return
	}

	status := http.StatusCreated
	if out.Status == ingest.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Status: out.Status, Record: out.Record})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coord.Lookup(r.Context(), chi.URLParam(r, "formId"), chi.URLParam(r, "recordId"))
	if err != nil {
		writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer", nil)
		return
	}

	recs, err := s.coord.List(r.Context(), chi.URLParam(r, "formId"), limit, offset)
	if errors.Is(err, ingest.ErrListUnsupported) {
		writeError(w, http.StatusNotImplemented, err.Error(), nil)
		return
	}
	if err != nil {
		writeIngestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": recs,
		"limit":   limit,
		"offset":  offset,
	})
}

// writeIngestError maps the ingestion error taxonomy onto HTTP statuses.
// A conflict is a client error: the nonce was reused with a new payload.
func writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *ingest.ValidationError
		ce *ingest.ConflictError
		nf *ingest.NotFoundError
		su *ingest.StoreUnavailableError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation failed", map[string]any{
			"code":   ve.Code(),
			"errors": ve.Errors,
		})
	case errors.As(err, &ce):
		writeError(w, http.StatusBadRequest, err.Error(), map[string]any{
			"code":      ce.Code(),
			"conflict":  true,
			"record_id": ce.RecordID,
		})
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, err.Error(), map[string]any{"code": nf.Code()})
	case errors.As(err, &su):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "record store unavailable", map[string]any{
			"code":      su.Code(),
			"retryable": su.Retryable(),
		})
	default:
		ctxlog.FromContext(r.Context()).Error("unhandled ingest error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func queryInt(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}

package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/listingproof/audit"
	"github.com/hazyhaar/listingproof/evidence"
	"github.com/hazyhaar/listingproof/kit"
	"github.com/hazyhaar/listingproof/shield"
)

type serverOptions struct {
	AdminUser string
	// AdminHash is a bcrypt hash; empty disables the admin routes.
	AdminHash string
	// MCP is mounted at /mcp when set.
	MCP *mcp.Server
}

type server struct {
	svc    *evidence.Service
	logger *slog.Logger
}

func newServer(svc *evidence.Service, logger *slog.Logger, opts serverOptions) (http.Handler, *shield.RateLimiter, error) {
	stack, rl, err := shield.DefaultStack(svc.OpsDB(), logger)
	if err != nil {
		return nil, nil, err
	}
	s := &server{svc: svc, logger: logger}

	r := chi.NewRouter()
	for _, mw := range stack {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/", s.handleIndex)
	r.Post("/capture", s.handleCapture)
	r.Get("/attempts", s.handleList)
	r.Get("/attempts/{id}", s.handleGet)
	r.Get("/attempts/{id}/report", s.handleReport)

	r.Route("/admin", func(r chi.Router) {
		r.Use(basicAuth(opts.AdminUser, opts.AdminHash))
		r.Get("/storage", s.handleStorage)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/cleanup", s.handleCleanup)
		r.Post("/attempts/{id}/report", s.handleRebuild)
	})

	if opts.MCP != nil {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return opts.MCP }, nil)
		r.Handle("/mcp", h)
	}
	return r, rl, nil
}

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>listingproof</title></head>
<body>
<h1>Capture listing evidence</h1>
<form method="post" action="/capture">
<label>Stock ID <input name="stock_id" required pattern="[A-Za-z0-9_.\-]+"></label>
<label>Location <select name="location_code">
{{range .}}<option value="{{.Code}}">{{.City}}, {{.StateCode}} {{.ZIP}}</option>
{{end}}</select></label>
<button type="submit">Capture</button>
</form>
</body></html>
`))

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, s.svc.Locations()); err != nil {
		shield.GetLogger(r.Context()).Warn("http: render index", "error", err)
	}
}

type captureRequest struct {
	StockID      string `json:"stock_id"`
	LocationCode string `json:"location_code"`
}

func (s *server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, bodyStatus(err), err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, bodyStatus(err), err)
			return
		}
		req.StockID = r.PostForm.Get("stock_id")
		req.LocationCode = r.PostForm.Get("location_code")
	}

	start := time.Now()
	a, err := s.svc.Capture(r.Context(), req.StockID, req.LocationCode)
	var id string
	if a != nil {
		id = a.ID
	}
	s.record(r, "http_capture", req, id, err, start)
	switch {
	case a != nil && err == nil:
		w.Header().Set("Location", "/attempts/"+a.ID)
		writeJSON(w, http.StatusCreated, a)
	case a != nil:
		// Failed attempts are evidence too; the body carries stage and reason.
		writeJSON(w, http.StatusUnprocessableEntity, a)
	default:
		writeError(w, statusOf(err), err)
	}
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := s.svc.List(r.Context())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := all[:0]
		for _, a := range all {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		all = filtered
	}
	if limit := queryInt(r, "limit", 0); limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := s.svc.ReportPath(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="listingproof-`+id+`.pdf"`)
	http.ServeFile(w, r, path)
}

func (s *server) handleStorage(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Usage(r.Context())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.svc.Metrics().Flush()
	ms, err := s.svc.Metrics().Query(r.Context(), r.URL.Query().Get("name"), nil, nil, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := s.svc.Sweep(r.Context())
	s.record(r, "admin_cleanup", nil, strconv.Itoa(n), err, start)
	resp := map[string]any{"reclaimed": n}
	if err != nil {
		resp["error"] = err.Error()
		s.logger.Warn("http: cleanup incomplete", "reclaimed", n, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	path, err := s.svc.RebuildReport(r.Context(), id)
	s.record(r, "admin_rebuild_report", map[string]string{"id": id}, path, err, start)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"report_path": path})
}

// record appends an audit entry for a state-changing request.
func (s *server) record(r *http.Request, action string, params any, result string, err error, start time.Time) {
	e := audit.FromContext(r.Context(), action)
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	e.Result = result
	if err != nil {
		e.Error = err.Error()
	}
	e.DurationMs = time.Since(start).Milliseconds()
	s.svc.Audit().LogAsync(e)
}

// basicAuth checks HTTP Basic credentials against a bcrypt hash.
func basicAuth(user, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admin disabled"})
				return
			}
			u, p, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)) != nil {
				shield.GetLogger(r.Context()).Warn("http: admin auth failed", "user", u)
				w.Header().Set("WWW-Authenticate", `Basic realm="listingproof admin"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(kit.WithUserID(r.Context(), u)))
		})
	}
}

func statusOf(err error) int {
	var ve *evidence.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, evidence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, evidence.ErrReportUnavailable):
		return http.StatusConflict
	case errors.Is(err, evidence.ErrStoreContention):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func bodyStatus(err error) int {
	var me *http.MaxBytesError
	if errors.As(err, &me) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

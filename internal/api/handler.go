package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ianhi/screenshot-bridge/internal/bridge"
	"github.com/ianhi/screenshot-bridge/internal/normalize"
	"github.com/ianhi/screenshot-bridge/internal/session"
	"github.com/ianhi/screenshot-bridge/internal/store"
)

const maxUploadBodySize = 20 << 20 // 20MB

// RenderGateway abstracts the correlation gateway for the API layers.
type RenderGateway interface {
	SendAndWait(command string, payload map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// ContextProvider returns the source-control tag to attach to new
// screenshots, or nil when none is available.
type ContextProvider func() *store.SourceContext

// AppDeps holds dependencies for the HTTP handler.
type AppDeps struct {
	Store         *store.Store
	Normalizer    *normalize.Normalizer
	Gateway       RenderGateway
	Hub           *bridge.Hub
	Sessions      *session.Registry
	Context       ContextProvider // optional
	RenderTimeout time.Duration
}

// NewAppHandler builds the HTTP surface: upload, query, and lifecycle routes
// under /api, the WebSocket endpoint for display surfaces, and the minimal
// paste page at /.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/", handleIndex)
	r.Get("/ws", handleWebSocket(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/screenshots", handleUpload(deps))
		r.Get("/screenshots", handleList(deps))
		r.Delete("/screenshots", handleClear(deps))
		r.Get("/screenshots/pending", handlePending(deps))
		r.Get("/screenshots/{id}", handleGet(deps))
		r.Get("/screenshots/{id}/image", handleImage(deps))
		r.Patch("/screenshots/{id}", handlePatchDescription(deps))
		r.Delete("/screenshots/{id}", handleDelete(deps))
		r.Get("/projects", handleProjects(deps))
		r.Get("/sessions", handleSessions(deps))
		r.Post("/render", handleRender(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type uploadRequest struct {
	Image       string `json:"image"`
	Project     string `json:"project"`
	Prompt      string `json:"prompt"`
	Annotations string `json:"annotations"`
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Image == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "image is required")
			return
		}

		raw, err := decodeImagePayload(req.Image)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid image encoding: %v", err)
			return
		}

		res, err := deps.Normalizer.Normalize(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported image: %v", err)
			return
		}

		rec, err := deps.Store.Create(store.CreateParams{
			Project:     req.Project,
			Image:       res.Bytes,
			MimeType:    res.MimeType,
			Prompt:      req.Prompt,
			Annotations: req.Annotations,
			Source:      store.SourceUser,
			Context:     sourceContext(deps),
		})
		if errors.Is(err, store.ErrInvalidProject) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store screenshot: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(rec.Meta())
	}
}

func handleList(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := projectParam(r)
		q, err := queryFromParams(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		limit := parseIntParam(r, "limit", 0, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		metas := deps.Store.Filter(project, q, limit, offset)
		if metas == nil {
			metas = []store.Meta{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"screenshots": metas,
			"total":       deps.Store.Count(project, q),
		})
	}
}

func handlePending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := deps.Store.ListPending(projectParam(r))
		metas := make([]store.Meta, len(pending))
		for i, rec := range pending {
			metas[i] = rec.Meta()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"screenshots": metas})
	}
}

func handleGet(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.Get(chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "screenshot not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get screenshot: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec.Meta())
	}
}

func handleImage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.Get(chi.URLParam(r, "id"))
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "screenshot not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get screenshot: %v", err)
			return
		}

		w.Header().Set("Content-Type", rec.MimeType)
		w.Write(rec.Image)
	}
}

func handlePatchDescription(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		ok, err := deps.Store.SetDescription(chi.URLParam(r, "id"), req.Description)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update screenshot: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "screenshot not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
	}
}

func handleDelete(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := deps.Store.Delete(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete screenshot: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "screenshot not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleClear(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.Clear(projectParam(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear project: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"deleted": n})
	}
}

func handleProjects(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"projects": deps.Store.ListProjects()})
	}
}

func handleSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sessions": deps.Sessions.CountsByProject()})
	}
}

type renderRequest struct {
	Instructions string `json:"instructions"`
	Project      string `json:"project"`
	TimeoutMS    int    `json:"timeout_ms"`
}

func handleRender(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Instructions == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "instructions is required")
			return
		}

		timeout := deps.RenderTimeout
		if req.TimeoutMS > 0 {
			timeout = time.Duration(req.TimeoutMS) * time.Millisecond
		}

		rec, err := renderAndStore(deps.Gateway, deps.Normalizer, deps.Store, deps.Context, req.Project, req.Instructions, timeout)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrInvalidProject):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			case errors.Is(err, bridge.ErrNoSurfaces):
				httpError(w, http.StatusServiceUnavailable, "api_error", "%v", err)
			case errors.Is(err, bridge.ErrTimeout):
				httpError(w, http.StatusGatewayTimeout, "api_error", "%v", err)
			default:
				httpError(w, http.StatusBadGateway, "api_error", "render failed: %v", err)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(rec.Meta())
	}
}

// renderAndStore runs the remote-render flow: broadcast the instructions,
// wait for a surface's image, normalize it, and store it already delivered.
// Shared by the HTTP route and the MCP render tool.
func renderAndStore(gw RenderGateway, norm *normalize.Normalizer, st *store.Store, ctxp ContextProvider, project, instructions string, timeout time.Duration) (store.Screenshot, error) {
	raw, err := gw.SendAndWait("render", map[string]any{"instructions": instructions}, timeout)
	if err != nil {
		return store.Screenshot{}, err
	}

	var resp struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Image == "" {
		return store.Screenshot{}, fmt.Errorf("display surface returned no image")
	}

	data, err := decodeImagePayload(resp.Image)
	if err != nil {
		return store.Screenshot{}, fmt.Errorf("decoding rendered image: %w", err)
	}
	res, err := norm.Normalize(data)
	if err != nil {
		return store.Screenshot{}, fmt.Errorf("normalizing rendered image: %w", err)
	}

	var sctx *store.SourceContext
	if ctxp != nil {
		sctx = ctxp()
	}
	return st.Create(store.CreateParams{
		Project:  project,
		Image:    res.Bytes,
		MimeType: res.MimeType,
		Prompt:   instructions,
		Source:   store.SourceAgent,
		Context:  sctx,
	})
}

var upgrader = websocket.Upgrader{
	// Local tool: the browser page is served from this same process.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func handleWebSocket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		project := projectParam(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		// Each surface is a UI session bound to its project for the whole
		// connection.
		sid := deps.Sessions.Open(project)
		defer deps.Sessions.Close(sid)
		deps.Hub.Serve(conn)
	}
}

func sourceContext(deps AppDeps) *store.SourceContext {
	if deps.Context == nil {
		return nil
	}
	return deps.Context()
}

// decodeImagePayload accepts either a bare base64 string or a data URL.
func decodeImagePayload(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		_, rest, ok := strings.Cut(s, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		s = rest
	}
	return base64.StdEncoding.DecodeString(s)
}

func projectParam(r *http.Request) string {
	if p := r.URL.Query().Get("project"); p != "" {
		return p
	}
	return store.DefaultProject
}

func queryFromParams(r *http.Request) (store.Query, error) {
	q := store.Query{
		Branch: r.URL.Query().Get("branch"),
		Commit: r.URL.Query().Get("commit"),
		Text:   r.URL.Query().Get("q"),
	}

	if v := r.URL.Query().Get("status"); v != "" {
		switch store.Status(v) {
		case store.StatusPending, store.StatusDelivered:
			q.Status = store.Status(v)
		default:
			return store.Query{}, fmt.Errorf("invalid status %q", v)
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return store.Query{}, fmt.Errorf("invalid since timestamp: %v", err)
		}
		q.Since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return store.Query{}, fmt.Errorf("invalid until timestamp: %v", err)
		}
		q.Until = t
	}
	return q, nil
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

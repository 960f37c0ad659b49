package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"ideaflow/syncd/internal/collection"
	"ideaflow/syncd/internal/logging"
	"ideaflow/syncd/internal/realtime"
	"ideaflow/syncd/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.SugaredLogger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.SugaredLogger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logging.OrNop(logger)}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "session":
		if len(parts) == 2 {
			s.handleKey(w, r, "session", s.service.UserSessionKey())
			return
		}
	case "storage":
		if len(parts) == 2 && r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, s.service.StorageStatus())
			return
		}
		if len(parts) == 4 {
			s.handleKey(w, r, parts[2], parts[3])
			return
		}
	case "collections":
		switch len(parts) {
		case 3:
			s.handleCollection(w, r, parts[2])
			return
		case 4:
			s.handleRecord(w, r, parts[2], parts[3])
			return
		}
	case "sync":
		if len(parts) == 3 {
			s.handleSync(w, r, parts[2])
			return
		}
	case "updates":
		if len(parts) == 2 {
			s.handleUpdates(w, r)
			return
		}
		if len(parts) == 3 && parts[2] == "stream" && r.Method == http.MethodGet {
			s.handleUpdatesStream(w, r)
			return
		}
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r)
			return
		}
	case "snapshots":
		s.handleSnapshots(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failed, names := s.service.Ready(ctx)
	checks := make(map[string]any, len(names))
	for _, name := range names {
		if err, bad := failed[name]; bad {
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status := "ready"
	statusCode := http.StatusOK
	if len(failed) > 0 {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":      status == "ready",
		"status":  status,
		"online":  s.service.Online(),
		"checks":  checks,
		"storage": s.service.StorageStatus(),
	})
}

func (s *HTTPServer) handleKey(w http.ResponseWriter, r *http.Request, scope, key string) {
	switch r.Method {
	case http.MethodGet:
		raw, err := s.service.ReadKey(r.Context(), scope, key)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": raw})
	case http.MethodPut:
		var body struct {
			Value json.RawMessage `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.WriteKey(r.Context(), scope, key, body.Value); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": body.Value})
	case http.MethodDelete:
		if err := s.service.RemoveKey(r.Context(), scope, key); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleCollection(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.service.ListRecords(r.Context(), name, r.URL.Query())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	case http.MethodPost:
		var record collection.Record
		if err := decodeBody(r, &record); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.service.CreateRecord(r.Context(), name, record)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleRecord(w http.ResponseWriter, r *http.Request, name, id string) {
	switch r.Method {
	case http.MethodGet:
		record, err := s.service.GetRecord(r.Context(), name, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodPatch:
		var patch collection.Record
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateRecord(r.Context(), name, id, patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.service.DeleteRecord(r.Context(), name, id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request, action string) {
	switch {
	case action == "queue" && r.Method == http.MethodGet:
		items := s.service.QueueItems(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	case action == "replay" && r.Method == http.MethodPost:
		result, err := s.service.Replay(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case action == "online" && r.Method == http.MethodGet:
		online := s.service.Online()
		if r.URL.Query().Get("check") == "true" {
			online = s.service.CheckConnectivity(r.Context())
		}
		writeJSON(w, http.StatusOK, map[string]any{"online": online, "pinned": s.service.OnlinePinned()})
	case action == "online" && r.Method == http.MethodPost:
		var body struct {
			Online *bool `json:"online"`
		}
		if err := decodeBody(r, &body); err != nil || body.Online == nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "online must be a boolean", nil)
			return
		}
		s.service.SetOnline(*body.Online)
		writeJSON(w, http.StatusOK, map[string]any{"online": s.service.Online(), "pinned": s.service.OnlinePinned()})
	case action == "online" && r.Method == http.MethodDelete:
		online := s.service.ClearOnline(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"online": online, "pinned": false})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpdates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		updates, err := s.service.RecentUpdates()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updates": updates})
	case http.MethodPost:
		var u realtime.Update
		if err := decodeBody(r, &u); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sent, err := s.service.PublishUpdate(r.Context(), u)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, sent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := search.Query{
		Text:       params.Get("q"),
		Collection: params.Get("collection"),
		Limit:      atoiDefault(params.Get("limit"), 20),
		Offset:     atoiDefault(params.Get("offset"), 0),
	}
	for key, values := range params {
		switch key {
		case "q", "collection", "limit", "offset":
		default:
			if q.Filters == nil {
				q.Filters = make(map[string][]string)
			}
			q.Filters[key] = values
		}
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	resp, err := s.service.Search(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		names, err := s.service.ListSnapshots(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": names})
	case len(rest) == 0 && r.Method == http.MethodPost:
		manifest, err := s.service.Snapshot(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, manifest)
	case len(rest) == 1 && rest[0] == "restore" && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		manifest, err := s.service.Restore(r.Context(), body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, manifest)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Warnw("app: request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Infow("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func atoiDefault(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

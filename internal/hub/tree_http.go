package hub

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ThomasVuNguyen/village/internal/tree"
)

const streamKeepAliveInterval = 15 * time.Second

// handleTree serves the raw tree: GET reads (or streams with an SSE Accept
// header), PUT replaces, PATCH merges, DELETE removes, POST pushes into a
// collection. A PUT with If-None-Match: * is a conditional create.
func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(w, r); !ok {
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/tree"), "/")

	switch r.Method {
	case http.MethodGet:
		if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			s.serveStream(w, r, path)
			return
		}
		raw, err := s.Store.Get(r.Context(), path)
		if err != nil {
			s.writeTreeError(w, err)
			return
		}
		if raw == nil {
			raw = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)

	case http.MethodPut:
		value, ok := readTreeBody(w, r)
		if !ok {
			return
		}
		var err error
		if r.Header.Get("If-None-Match") == "*" {
			err = s.Store.Create(r.Context(), path, value)
			if errors.Is(err, tree.ErrExists) {
				writeError(w, http.StatusConflict, "conflict", "path already has a value")
				return
			}
		} else {
			err = s.Store.Set(r.Context(), path, value)
		}
		if err != nil {
			s.writeTreeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(value)

	case http.MethodPatch:
		var fields map[string]any
		if !decodeJSONBodyStrictFields(w, r, &fields) {
			return
		}
		if err := s.Store.Update(r.Context(), path, fields); err != nil {
			s.writeTreeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fields)

	case http.MethodDelete:
		if err := s.Store.Delete(r.Context(), path); err != nil {
			s.writeTreeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("null"))

	case http.MethodPost:
		value, ok := readTreeBody(w, r)
		if !ok {
			return
		}
		id, err := s.Store.Push(r.Context(), path, value)
		if err != nil {
			s.writeTreeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported tree method")
	}
}

func (s *Server) writeTreeError(w http.ResponseWriter, err error) {
	if errors.Is(err, tree.ErrInvalidPath) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.logger().Warn("tree_request_failed", slog.Any("err", err))
	writeError(w, http.StatusInternalServerError, "internal_error", "store operation failed")
}

// readTreeBody accepts any single JSON value, not just objects.
func readTreeBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "read body: "+err.Error())
		return nil, false
	}
	if !json.Valid(raw) {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be a JSON value")
		return nil, false
	}
	return json.RawMessage(raw), true
}

func decodeJSONBodyStrictFields(w http.ResponseWriter, r *http.Request, dst *map[string]any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type streamEvent struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// serveStream writes the subscription as server-sent events. The store
// sends the full snapshot first; keep-alive comments hold idle proxies open.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, path string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	sub, err := s.Store.Subscribe(r.Context(), path)
	if err != nil {
		s.writeTreeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data := ev.Data
			if data == nil {
				data = json.RawMessage("null")
			}
			payload, err := json.Marshal(streamEvent{Path: ev.Path, Data: data})
			if err != nil {
				continue
			}
			if _, err := io.WriteString(w, "event: put\ndata: "+string(payload)+"\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

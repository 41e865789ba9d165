package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
		{in: "WARN", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: " error ", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseLogLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseLogLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLogLevel(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWithAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/ask", nil)
	rec := httptest.NewRecorder()
	withAccessLog(logger, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse access log: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "GET" || entry["path"] != "/v1/ask" {
		t.Errorf("unexpected request fields: %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status field = %v, want %d", entry["status"], http.StatusTeapot)
	}
	if entry["bytes"] != float64(len("short and stout")) {
		t.Errorf("bytes field = %v, want %d", entry["bytes"], len("short and stout"))
	}
}

func TestStatusWriterFlushPassthrough(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	var flusher http.Flusher = sw
	flusher.Flush()
	if !rec.Flushed {
		t.Fatal("flush did not reach the underlying writer")
	}
}

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pkt.systems/pslog"
)

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) entries(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(c.buf.Bytes()))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("parse log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func entryMessage(entry map[string]any) string {
	if value, ok := entry["message"].(string); ok {
		return value
	}
	value, _ := entry["msg"].(string)
	return value
}

func TestRequestLoggingRecordsStatus(t *testing.T) {
	env := newTestEnv(t, Config{})
	capture := &logCapture{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		VerboseFields: true,
		MinLevel:      pslog.InfoLevel,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/containers?all=1", nil)
	req = req.WithContext(pslog.ContextWithLogger(context.Background(), logger))
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	var found map[string]any
	for _, entry := range capture.entries(t) {
		if entryMessage(entry) == "http request" {
			found = entry
		}
	}
	if found == nil {
		t.Fatalf("request line not logged")
	}
	if found["status"] != float64(http.StatusUnauthorized) {
		t.Fatalf("unexpected status field: %v", found["status"])
	}
	if found["path"] != "/api/containers?all=1" || found["remote"] != "10.1.2.3" {
		t.Fatalf("unexpected fields: %v", found)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected remote host, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %q", got)
	}
}

func TestResponseRecorderKeepsFirstStatus(t *testing.T) {
	rec := &responseRecorder{writer: httptest.NewRecorder()}
	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusInternalServerError)
	_, _ = rec.Write([]byte("ok"))
	if rec.status != http.StatusAccepted || rec.bytes != 2 {
		t.Fatalf("unexpected recorder state: %d %d", rec.status, rec.bytes)
	}
}

package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/schema"
)

func TestBuildStreamsNDJSON(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.register(t, "alice", "secret")
	env.builder.Events = []shipohoy.BuildEvent{
		{Kind: shipohoy.BuildEventVertexStarted, Name: "[1/2] FROM scratch"},
		{Kind: shipohoy.BuildEventLog, Message: "compiling\n"},
		{Kind: shipohoy.BuildEventRaw, Message: "not json"},
	}

	rec := env.do(t, http.MethodPost, "/api/build", alice.Token, schema.BuildRequest{ImageName: "myapp", RepoURL: "https://example.com/alice/app.git"})
	if rec.Code != http.StatusOK {
		t.Fatalf("build: %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Header().Get("X-Build-Id") == "" {
		t.Fatalf("missing build id header")
	}

	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %q", lines)
	}
	if lines[2] != "not json" {
		t.Fatalf("raw line not passed through: %q", lines[2])
	}
	var first, last schema.BuildRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.Stream != "[1/2] FROM scratch\n" {
		t.Fatalf("unexpected first record %q: %v", lines[0], err)
	}
	if err := json.Unmarshal([]byte(lines[3]), &last); err != nil || last.Stream != "Successfully tagged myapp:latest\n" {
		t.Fatalf("unexpected last record %q: %v", lines[3], err)
	}

	meta, ok, err := env.store.ImageMeta(context.Background(), "myapp:latest")
	if err != nil || !ok {
		t.Fatalf("meta not saved: %v", err)
	}
	if meta.OwnerID != alice.ID || meta.Visibility != schema.VisibilityPrivate {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestBuildFailureAfterOutputIsStreamed(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.register(t, "alice", "secret")
	env.builder.Events = []shipohoy.BuildEvent{{Kind: shipohoy.BuildEventLog, Message: "step\n"}}
	env.builder.Err = errors.New("exit status 1")

	rec := env.do(t, http.MethodPost, "/api/build", alice.Token, schema.BuildRequest{ImageName: "myapp", RepoURL: "https://example.com/alice/app.git"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected stream to start, got %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 || lines[1] != `{"error":"exit status 1"}` {
		t.Fatalf("unexpected stream %q", lines)
	}
	if _, ok, _ := env.store.ImageMeta(context.Background(), "myapp:latest"); ok {
		t.Fatalf("meta saved for failed build")
	}
}

func TestBuildErrorsBeforeStream(t *testing.T) {
	cases := []struct {
		name    string
		req     schema.BuildRequest
		builder error
		status  int
	}{
		{name: "bad name", req: schema.BuildRequest{ImageName: "Bad Name", RepoURL: "https://example.com/a.git"}, status: http.StatusBadRequest},
		{name: "local repo", req: schema.BuildRequest{ImageName: "myapp", RepoURL: "file:///etc"}, status: http.StatusBadRequest},
		{name: "no dockerfile", req: schema.BuildRequest{ImageName: "myapp", RepoURL: "https://example.com/norecipe.git"}, status: http.StatusUnprocessableEntity},
		{name: "clone fails", req: schema.BuildRequest{ImageName: "myapp", RepoURL: "https://example.com/unreachable.git"}, status: http.StatusBadGateway},
		{name: "builder down", req: schema.BuildRequest{ImageName: "myapp", RepoURL: "https://example.com/a.git"}, builder: errors.New("daemon unreachable"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			alice := env.register(t, "alice", "secret")
			env.builder.Err = tc.builder
			rec := env.do(t, http.MethodPost, "/api/build", alice.Token, tc.req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected json error, got %q", ct)
			}
			if errorMessage(t, rec) == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestEncodeBuildRecord(t *testing.T) {
	if got := string(encodeBuildRecord(schema.BuildRecord{Stream: "hi\n"})); got != "{\"stream\":\"hi\\n\"}\n" {
		t.Fatalf("unexpected stream encoding %q", got)
	}
	if got := string(encodeBuildRecord(schema.BuildRecord{Raw: "{broken"})); got != "{broken\n" {
		t.Fatalf("unexpected raw encoding %q", got)
	}
}

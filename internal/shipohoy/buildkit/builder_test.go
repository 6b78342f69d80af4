package buildkit

import (
	"context"
	"testing"
	"time"

	"github.com/moby/buildkit/client"
	digest "github.com/opencontainers/go-digest"

	"pkt.systems/berth/internal/shipohoy"
)

func TestEmitEventsTranslatesStatus(t *testing.T) {
	vertex := digest.FromString("step")
	started := time.Unix(1700000000, 0)
	completed := started.Add(time.Second)
	statusCh := make(chan *client.SolveStatus, 2)
	statusCh <- &client.SolveStatus{
		Vertexes: []*client.Vertex{{Digest: vertex, Name: "[1/2] FROM alpine", Started: &started}},
		Logs:     []*client.VertexLog{{Vertex: vertex, Data: []byte("hello\n"), Timestamp: started}},
	}
	statusCh <- &client.SolveStatus{
		Vertexes: []*client.Vertex{{Digest: vertex, Started: &started, Completed: &completed, Error: "exit 1"}},
		Warnings: []*client.VertexWarning{{Vertex: vertex, Short: []byte("deprecated")}},
	}
	close(statusCh)

	events := make(chan shipohoy.BuildEvent, 8)
	emitEvents(context.Background(), statusCh, events)
	close(events)
	var got []shipohoy.BuildEvent
	for ev := range events {
		got = append(got, ev)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(got), got)
	}
	if got[0].Kind != shipohoy.BuildEventVertexStarted || got[0].Name != "[1/2] FROM alpine" {
		t.Fatalf("unexpected start event %+v", got[0])
	}
	if got[1].Kind != shipohoy.BuildEventLog || got[1].Message != "hello\n" || got[1].Name != "[1/2] FROM alpine" {
		t.Fatalf("unexpected log event %+v", got[1])
	}
	if got[2].Kind != shipohoy.BuildEventVertexCompleted || got[2].Error != "exit 1" {
		t.Fatalf("unexpected completion event %+v", got[2])
	}
	if got[3].Kind != shipohoy.BuildEventWarning || got[3].Message != "deprecated" {
		t.Fatalf("unexpected warning event %+v", got[3])
	}
}

func TestCandidateAddressesPrefersPrimary(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/tmp/xdg")
	addrs := candidateAddresses("tcp://builder:1234")
	if addrs[0] != "tcp://builder:1234" {
		t.Fatalf("expected primary first, got %v", addrs)
	}
	if addrs[1] != "unix:///tmp/xdg/buildkit/buildkitd.sock" {
		t.Fatalf("expected xdg socket second, got %v", addrs)
	}
	if addrs[len(addrs)-1] != "unix:///run/buildkit/buildkitd.sock" {
		t.Fatalf("expected system socket last, got %v", addrs)
	}
}

// Package buildkit implements shipohoy.BuilderWithEvents on a BuildKit daemon. Images are
// exported to the daemon's image store so a containerd runtime sharing that
// store can launch them.
package buildkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds a build when the spec carries none.
const DefaultTimeout = 20 * time.Minute

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Builder implements shipohoy.BuilderWithEvents using BuildKit.
type Builder struct {
	addresses []string
}

// New constructs a BuildKit builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: candidateAddresses(cfg.Address)}
}

// BuildWithEvents builds an image and streams progress events. events may be
// nil.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	log := pslog.Ctx(ctx).With("backend", "buildkit")
	if len(spec.Tags) == 0 {
		log.Warn("buildkit build rejected", "reason", "missing tags")
		return shipohoy.BuildResult{}, errors.New("build tags are required")
	}
	contextDir := spec.ContextDir
	if contextDir == "" {
		log.Warn("buildkit build rejected", "reason", "missing context")
		return shipohoy.BuildResult{}, errors.New("build context is required")
	}
	dockerfilePath := spec.ContainerfilePath
	if dockerfilePath == "" {
		dockerfilePath = filepath.Join(contextDir, "Dockerfile")
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	log.Info("buildkit build start", "tags", len(spec.Tags), "timeout_ms", timeout.Milliseconds())
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bkclient, err := b.dial(buildCtx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return shipohoy.BuildResult{}, err
	}
	defer func() { _ = bkclient.Close() }()

	attrs := map[string]string{
		"filename": filepath.Base(dockerfilePath),
	}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}

	var statusCh chan *client.SolveStatus
	var wg sync.WaitGroup
	if events != nil {
		statusCh = make(chan *client.SolveStatus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			emitEvents(buildCtx, statusCh, events)
		}()
	}

	_, err = bkclient.Solve(buildCtx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    contextDir,
			"dockerfile": filepath.Dir(dockerfilePath),
		},
		Exports: []client.ExportEntry{
			{
				Type: client.ExporterImage,
				Attrs: map[string]string{
					"name":           strings.Join(spec.Tags, ","),
					"push":           "false",
					"store":          "true",
					"unpack":         "true",
					"oci-mediatypes": "true",
				},
			},
		},
	}, statusCh)
	if statusCh != nil {
		wg.Wait()
	}
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		sendBuildEvent(ctx, events, shipohoy.BuildEvent{
			Kind:      shipohoy.BuildEventError,
			Error:     err.Error(),
			Timestamp: time.Now(),
		})
		return shipohoy.BuildResult{}, err
	}
	log.Info("buildkit build ok", "tags", len(spec.Tags))
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}

// emitEvents translates solve status updates until statusCh closes. Solve
// closes the channel when it returns, so this drains every update.
func emitEvents(ctx context.Context, statusCh <-chan *client.SolveStatus, events chan<- shipohoy.BuildEvent) {
	type vertexState struct {
		name      string
		started   bool
		completed bool
	}
	vertices := make(map[string]*vertexState)
	for status := range statusCh {
		for _, v := range status.Vertexes {
			if v == nil {
				continue
			}
			id := v.Digest.String()
			state := vertices[id]
			if state == nil {
				state = &vertexState{name: v.Name}
				vertices[id] = state
			} else if state.name == "" && v.Name != "" {
				state.name = v.Name
			}
			if v.Started != nil && !state.started {
				state.started = true
				sendBuildEvent(ctx, events, shipohoy.BuildEvent{
					Kind:      shipohoy.BuildEventVertexStarted,
					VertexID:  id,
					Name:      state.name,
					Timestamp: *v.Started,
				})
			}
			if v.Completed != nil && !state.completed {
				state.completed = true
				sendBuildEvent(ctx, events, shipohoy.BuildEvent{
					Kind:      shipohoy.BuildEventVertexCompleted,
					VertexID:  id,
					Name:      state.name,
					Timestamp: *v.Completed,
					Error:     v.Error,
				})
			}
		}
		for _, entry := range status.Logs {
			if entry == nil || len(entry.Data) == 0 {
				continue
			}
			name := ""
			if state := vertices[entry.Vertex.String()]; state != nil {
				name = state.name
			}
			sendBuildEvent(ctx, events, shipohoy.BuildEvent{
				Kind:      shipohoy.BuildEventLog,
				VertexID:  entry.Vertex.String(),
				Name:      name,
				Message:   string(entry.Data),
				Timestamp: entry.Timestamp,
			})
		}
		for _, warn := range status.Warnings {
			if warn == nil {
				continue
			}
			short := strings.TrimSpace(string(warn.Short))
			if warn.URL != "" {
				if short != "" {
					short = short + " (" + warn.URL + ")"
				} else {
					short = warn.URL
				}
			}
			if short == "" {
				continue
			}
			sendBuildEvent(ctx, events, shipohoy.BuildEvent{
				Kind:     shipohoy.BuildEventWarning,
				VertexID: warn.Vertex.String(),
				Message:  short,
			})
		}
	}
}

// sendBuildEvent blocks until the event is delivered or ctx ends.
func sendBuildEvent(ctx context.Context, events chan<- shipohoy.BuildEvent, event shipohoy.BuildEvent) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
	case events <- event:
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, lastErr
}

func candidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(strings.TrimSpace(primary))

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		add(fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "buildkit", "buildkitd.sock")))
	}
	userRunDir := filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	if userRunDir != runtimeDir {
		add(fmt.Sprintf("unix://%s", filepath.Join(userRunDir, "buildkit", "buildkitd.sock")))
	}
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}

// Package fake provides an in-memory shipohoy runtime and builder for tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/berth/internal/shipohoy"
)

// Runtime is an in-memory shipohoy.Runtime.
type Runtime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*shipohoy.ContainerSummary
	order      []string
	images     map[string]shipohoy.ImageSummary
	logs       map[string]string

	// Fail maps an operation name ("create", "start", "stop", "remove",
	// "inspect", "list", "images", "remove_image", "prune", "info") to an
	// error returned for every call. FailImage fails creation for one image.
	Fail      map[string]error
	FailImage map[string]error
	// FailFor fails start/stop/remove for specific container ids.
	FailFor map[string]error

	Calls []string
}

// NewRuntime returns an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		containers: map[string]*shipohoy.ContainerSummary{},
		images:     map[string]shipohoy.ImageSummary{},
		logs:       map[string]string{},
		Fail:       map[string]error{},
		FailImage:  map[string]error{},
		FailFor:    map[string]error{},
	}
}

// AddImage registers an image.
func (r *Runtime) AddImage(img shipohoy.ImageSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[img.ID] = img
}

// AddContainer registers an existing container and returns its id.
func (r *Runtime) AddContainer(c shipohoy.ContainerSummary) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		r.seq++
		c.ID = fmt.Sprintf("c%04d", r.seq)
	}
	if c.State == "" {
		c.State = "running"
	}
	cp := c
	r.containers[c.ID] = &cp
	r.order = append(r.order, c.ID)
	return c.ID
}

// SetLogs sets the log text returned for a container.
func (r *Runtime) SetLogs(id, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[id] = text
}

// Container returns a copy of the stored container.
func (r *Runtime) Container(id string) (shipohoy.ContainerSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return shipohoy.ContainerSummary{}, false
	}
	return *c, true
}

// Count returns the number of stored containers.
func (r *Runtime) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

func (r *Runtime) record(op, id string) error {
	r.Calls = append(r.Calls, op+" "+id)
	if err := r.Fail[op]; err != nil {
		return err
	}
	if id != "" {
		if err := r.FailFor[op+" "+id]; err != nil {
			return err
		}
	}
	return nil
}

// ListContainers implements shipohoy.Runtime.
func (r *Runtime) ListContainers(_ context.Context, filter shipohoy.ListFilter) ([]shipohoy.ContainerSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("list", ""); err != nil {
		return nil, err
	}
	var out []shipohoy.ContainerSummary
	for _, id := range r.order {
		c, ok := r.containers[id]
		if !ok {
			continue
		}
		if filter.Running && !c.Running() {
			continue
		}
		if !filter.Matches(c.Labels) {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

// CreateContainer implements shipohoy.Runtime.
func (r *Runtime) CreateContainer(_ context.Context, spec shipohoy.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("create", spec.Name); err != nil {
		return "", err
	}
	if err := r.FailImage[spec.Image]; err != nil {
		return "", err
	}
	for _, c := range r.containers {
		if c.Name == spec.Name && spec.Name != "" {
			return "", fmt.Errorf("conflict: name %q in use", spec.Name)
		}
	}
	r.seq++
	id := fmt.Sprintf("c%04d", r.seq)
	labels := map[string]string{}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	r.containers[id] = &shipohoy.ContainerSummary{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		State:   "created",
		Labels:  labels,
		Created: time.Now(),
	}
	r.order = append(r.order, id)
	return id, nil
}

func (r *Runtime) setState(op, id, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(op, id); err != nil {
		return err
	}
	c, ok := r.containers[id]
	if !ok {
		return shipohoy.ErrNotFound
	}
	c.State = state
	return nil
}

// StartContainer implements shipohoy.Runtime.
func (r *Runtime) StartContainer(_ context.Context, id string) error {
	return r.setState("start", id, "running")
}

// StopContainer implements shipohoy.Runtime.
func (r *Runtime) StopContainer(_ context.Context, id string) error {
	return r.setState("stop", id, "exited")
}

// RemoveContainer implements shipohoy.Runtime.
func (r *Runtime) RemoveContainer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("remove", id); err != nil {
		return err
	}
	if _, ok := r.containers[id]; !ok {
		return shipohoy.ErrNotFound
	}
	delete(r.containers, id)
	return nil
}

// InspectContainer implements shipohoy.Runtime.
func (r *Runtime) InspectContainer(_ context.Context, id string) (shipohoy.ContainerSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("inspect", id); err != nil {
		return shipohoy.ContainerSummary{}, err
	}
	c, ok := r.containers[id]
	if !ok {
		return shipohoy.ContainerSummary{}, shipohoy.ErrNotFound
	}
	return *c, nil
}

// TailLogs implements shipohoy.Runtime.
func (r *Runtime) TailLogs(_ context.Context, id string, spec shipohoy.LogSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("logs", id); err != nil {
		return "", err
	}
	if _, ok := r.containers[id]; !ok {
		return "", shipohoy.ErrNotFound
	}
	text := r.logs[id]
	if spec.Tail > 0 {
		lines := strings.SplitAfter(text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		if len(lines) > spec.Tail {
			lines = lines[len(lines)-spec.Tail:]
		}
		text = strings.Join(lines, "")
	}
	return text, nil
}

// ListImages implements shipohoy.Runtime.
func (r *Runtime) ListImages(context.Context) ([]shipohoy.ImageSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("images", ""); err != nil {
		return nil, err
	}
	out := make([]shipohoy.ImageSummary, 0, len(r.images))
	for _, img := range r.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveImage implements shipohoy.Runtime.
func (r *Runtime) RemoveImage(_ context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("remove_image", ref); err != nil {
		return err
	}
	for id, img := range r.images {
		if id == ref {
			delete(r.images, id)
			return nil
		}
		for i, tag := range img.RepoTags {
			if tag == ref {
				img.RepoTags = append(img.RepoTags[:i:i], img.RepoTags[i+1:]...)
				if len(img.RepoTags) == 0 {
					delete(r.images, id)
				} else {
					r.images[id] = img
				}
				return nil
			}
		}
	}
	return shipohoy.ErrNotFound
}

// PruneImages implements shipohoy.Runtime. Images without tags are dangling.
func (r *Runtime) PruneImages(context.Context) (shipohoy.PruneResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("prune", ""); err != nil {
		return shipohoy.PruneResult{}, err
	}
	var res shipohoy.PruneResult
	for id, img := range r.images {
		if len(img.RepoTags) == 0 {
			res.Deleted = append(res.Deleted, id)
			res.SpaceReclaimed += uint64(img.Size)
			delete(r.images, id)
		}
	}
	sort.Strings(res.Deleted)
	return res, nil
}

// Info implements shipohoy.Runtime.
func (r *Runtime) Info(context.Context) (shipohoy.HostInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("info", ""); err != nil {
		return shipohoy.HostInfo{}, err
	}
	info := shipohoy.HostInfo{Images: len(r.images), CPUs: 4, MemoryBytes: 8 << 30, OS: "fake", Version: "0.0.0-fake"}
	for _, c := range r.containers {
		info.Containers++
		switch c.State {
		case "running":
			info.Running++
		case "paused":
			info.Paused++
		default:
			info.Stopped++
		}
	}
	return info, nil
}

// Builder is a scripted shipohoy.BuilderWithEvents.
type Builder struct {
	mu     sync.Mutex
	Events []shipohoy.BuildEvent
	Err    error
	Specs  []shipohoy.BuildSpec
	// OnBuild runs before events are emitted, e.g. to register the image.
	OnBuild func(spec shipohoy.BuildSpec)
}

// BuildWithEvents implements shipohoy.BuilderWithEvents.
func (b *Builder) BuildWithEvents(ctx context.Context, spec shipohoy.BuildSpec, events chan<- shipohoy.BuildEvent) (shipohoy.BuildResult, error) {
	b.mu.Lock()
	b.Specs = append(b.Specs, spec)
	evs := append([]shipohoy.BuildEvent(nil), b.Events...)
	err := b.Err
	hook := b.OnBuild
	b.mu.Unlock()
	if hook != nil {
		hook(spec)
	}
	for _, ev := range evs {
		if events == nil {
			break
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return shipohoy.BuildResult{}, ctx.Err()
		}
	}
	if err != nil {
		return shipohoy.BuildResult{}, err
	}
	return shipohoy.BuildResult{ImageNames: spec.Tags}, nil
}

package shipohoy

import (
	"maps"
	"time"
)

// Plan configures defaults applied to every container created through a Yard.
type Plan struct {
	Env          map[string]string
	Labels       map[string]string
	ResourceCaps ResourceCaps
}

// ResourceCaps sets optional resource limits (0 means default).
type ResourceCaps struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name         string
	Image        string
	Env          map[string]string
	Labels       map[string]string
	Command      []string
	AutoRemove   bool
	ResourceCaps *ResourceCaps
}

// ListFilter narrows a container listing. Labels must all match; an empty
// value matches any value of that key. Running restricts to running containers.
type ListFilter struct {
	Labels  map[string]string
	Running bool
}

// Matches reports whether labels satisfy the filter's label selector.
func (f ListFilter) Matches(labels map[string]string) bool {
	for k, v := range f.Labels {
		got, ok := labels[k]
		if !ok {
			return false
		}
		if v != "" && got != v {
			return false
		}
	}
	return true
}

// ContainerSummary is the runtime view of a container.
type ContainerSummary struct {
	ID      string
	Name    string
	Image   string
	State   string
	Labels  map[string]string
	Created time.Time
}

// Running reports whether the container state is running.
func (c ContainerSummary) Running() bool {
	return c.State == "running"
}

// LogSpec selects a log tail.
type LogSpec struct {
	Tail       int
	Timestamps bool
}

// ImageSummary is the runtime view of an image.
type ImageSummary struct {
	ID       string
	RepoTags []string
	Size     int64
	Created  time.Time
}

// PruneResult reports what an image prune removed.
type PruneResult struct {
	Deleted        []string
	SpaceReclaimed uint64
}

// HostInfo summarises the runtime host.
type HostInfo struct {
	Containers  int
	Running     int
	Paused      int
	Stopped     int
	Images      int
	CPUs        int
	MemoryBytes int64
	OS          string
	Version     string
}

// BuildSpec describes a container image build.
type BuildSpec struct {
	ContextDir        string
	ContainerfilePath string
	Tags              []string
	BuildArgs         map[string]string
	Timeout           time.Duration
}

// BuildResult captures build output metadata.
type BuildResult struct {
	ImageNames []string
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventVertexStarted marks a build vertex start event.
	BuildEventVertexStarted BuildEventKind = "vertex_started"
	// BuildEventVertexCompleted marks a build vertex completion event.
	BuildEventVertexCompleted BuildEventKind = "vertex_completed"
	// BuildEventLog indicates a build log event.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning indicates a build warning event.
	BuildEventWarning BuildEventKind = "warning"
	// BuildEventError carries an error reported by the builder.
	BuildEventError BuildEventKind = "error"
	// BuildEventRaw carries an upstream line that could not be decoded.
	BuildEventRaw BuildEventKind = "raw"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	VertexID  string
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// mergeSpec overlays plan defaults onto a container spec. Values already set
// on the spec win.
func mergeSpec(spec ContainerSpec, plan Plan) ContainerSpec {
	out := spec
	out.Env = maps.Clone(spec.Env)
	out.Labels = maps.Clone(spec.Labels)
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	if out.Labels == nil {
		out.Labels = map[string]string{}
	}
	for k, v := range plan.Env {
		if _, ok := out.Env[k]; !ok {
			out.Env[k] = v
		}
	}
	for k, v := range plan.Labels {
		if _, ok := out.Labels[k]; !ok {
			out.Labels[k] = v
		}
	}
	caps := plan.ResourceCaps
	if spec.ResourceCaps != nil {
		if spec.ResourceCaps.MemoryBytes != 0 {
			caps.MemoryBytes = spec.ResourceCaps.MemoryBytes
		}
		if spec.ResourceCaps.NanoCPUs != 0 {
			caps.NanoCPUs = spec.ResourceCaps.NanoCPUs
		}
	}
	out.ResourceCaps = &caps
	return out
}

package shipohoy

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a container or image does not exist.
var ErrNotFound = errors.New("not found")

// Runtime is the container engine boundary: container lifecycle, logs, image
// inventory and host introspection.
type Runtime interface {
	ListContainers(ctx context.Context, filter ListFilter) ([]ContainerSummary, error)
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	// RemoveContainer force-removes a container, stopping it if needed.
	RemoveContainer(ctx context.Context, id string) error
	// InspectContainer returns ErrNotFound when the container is gone.
	InspectContainer(ctx context.Context, id string) (ContainerSummary, error)
	TailLogs(ctx context.Context, id string, spec LogSpec) (string, error)
	ListImages(ctx context.Context) ([]ImageSummary, error)
	// RemoveImage force-removes an image by reference or id.
	RemoveImage(ctx context.Context, ref string) error
	// PruneImages removes dangling images.
	PruneImages(ctx context.Context) (PruneResult, error)
	Info(ctx context.Context) (HostInfo, error)
}

// BuilderWithEvents streams build progress events.
type BuilderWithEvents interface {
	BuildWithEvents(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error)
}

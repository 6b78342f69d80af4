package core

import (
	"context"

	"pkt.systems/berth/schema"
)

// Service is the transport-agnostic API for container lifecycle, the image
// registry overlay, builds and host inspection. Every call acts on behalf of
// an authenticated principal.
type Service interface {
	ListContainers(ctx context.Context, p schema.Principal) ([]schema.Container, error)
	CreateContainer(ctx context.Context, p schema.Principal, req schema.CreateContainerRequest) (schema.CreateContainerResponse, error)
	ContainerAction(ctx context.Context, p schema.Principal, id string, action schema.ContainerAction) (schema.ActionResponse, error)
	ContainerLogs(ctx context.Context, p schema.Principal, id string) (string, error)

	ListImages(ctx context.Context, p schema.Principal) ([]schema.Image, error)
	DeleteImage(ctx context.Context, p schema.Principal, ref string) error
	PruneImages(ctx context.Context, p schema.Principal) (schema.PruneResponse, error)
	ImageMeta(ctx context.Context, p schema.Principal) (map[string]schema.ImageMeta, error)
	SaveImageMeta(ctx context.Context, p schema.Principal, req schema.SaveMetaRequest) (schema.ImageMeta, error)

	StartBuild(ctx context.Context, p schema.Principal, req schema.BuildRequest) (*BuildSession, error)

	SystemStats(ctx context.Context, p schema.Principal) (schema.SystemStats, error)

	UserConfig(ctx context.Context, p schema.Principal) (schema.UserConfig, error)
	SaveUserConfig(ctx context.Context, p schema.Principal, cfg schema.UserConfig) error
}

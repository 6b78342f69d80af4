package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/internal/policy"
	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/schema"
)

var containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

const unknownOwner schema.UserID = "unknown"

func (s *service) ListContainers(ctx context.Context, p schema.Principal) ([]schema.Container, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	filter := shipohoy.ListFilter{}
	if !policy.IsElevated(p.Role) {
		filter.Labels = map[string]string{schema.LabelOwner: string(p.ID)}
	}
	items, err := s.runtime.ListContainers(ctx, filter)
	if err != nil {
		logx.WithUser(ctx, p.ID).Warn("lifecycle list failed", "err", err)
		return nil, upstream("list containers", err)
	}
	out := make([]schema.Container, 0, len(items))
	for _, item := range items {
		out = append(out, containerView(item))
	}
	return out, nil
}

func containerView(item shipohoy.ContainerSummary) schema.Container {
	c := schema.Container{
		ID:       item.ID,
		Name:     strings.TrimPrefix(item.Name, "/"),
		Image:    item.Image,
		Status:   item.State,
		OwnerID:  schema.UserID(item.Labels[schema.LabelOwner]),
		Role:     item.Labels[schema.LabelRole],
		ParentID: item.Labels[schema.LabelParent],
	}
	if c.OwnerID == "" {
		c.OwnerID = unknownOwner
	}
	if c.Role == "" {
		c.Role = schema.ContainerRoleStandalone
	}
	return c
}

func (s *service) CreateContainer(ctx context.Context, p schema.Principal, req schema.CreateContainerRequest) (resp schema.CreateContainerResponse, err error) {
	if err := requirePrincipal(p); err != nil {
		return schema.CreateContainerResponse{}, err
	}
	defer func() { s.metrics.ContainerAction("create", err) }()
	name := strings.TrimSpace(req.Name)
	image := strings.TrimSpace(req.Image)
	if !containerNamePattern.MatchString(name) {
		return schema.CreateContainerResponse{}, fmt.Errorf("%w: invalid container name %q", schema.ErrInvalidInput, req.Name)
	}
	if image == "" {
		return schema.CreateContainerResponse{}, fmt.Errorf("%w: image is required", schema.ErrInvalidInput)
	}
	log := logx.WithImage(logx.WithUser(ctx, p.ID), image)
	log.Info("lifecycle create start", "name", name)

	meta, _, err := s.store.ImageMeta(ctx, schema.NormalizeImageRef(image))
	if err != nil {
		return schema.CreateContainerResponse{}, err
	}
	if !policy.CanLaunchImage(p, meta) {
		log.Warn("lifecycle create failed", "err", schema.ErrForbidden)
		return schema.CreateContainerResponse{}, schema.ErrForbidden
	}
	if err := s.checkContainerQuota(ctx, p); err != nil {
		log.Warn("lifecycle create failed", "err", err)
		return schema.CreateContainerResponse{}, err
	}

	env := envMap(req.Env)
	parentID, err := s.launch(ctx, shipohoy.ContainerSpec{
		Name:  name,
		Image: image,
		Env:   env,
		Labels: map[string]string{
			schema.LabelOwner: string(p.ID),
			schema.LabelRole:  schema.ContainerRoleParent,
		},
	})
	if err != nil {
		log.Warn("lifecycle create failed", "err", err)
		return schema.CreateContainerResponse{}, err
	}
	resp.ID = parentID
	log = logx.WithContainer(log, parentID)

	if child := strings.TrimSpace(meta.ChildImage); child != "" {
		childID, err := s.launch(ctx, shipohoy.ContainerSpec{
			Name:  childName(name),
			Image: child,
			Env:   env,
			Labels: map[string]string{
				schema.LabelOwner:  string(p.ID),
				schema.LabelRole:   schema.ContainerRoleChild,
				schema.LabelParent: parentID,
			},
		})
		if err != nil {
			log.Warn("lifecycle child create failed", "child_image", child, "err", err)
			if rmErr := s.runtime.RemoveContainer(ctx, parentID); rmErr != nil && !errors.Is(rmErr, shipohoy.ErrNotFound) {
				log.Error("lifecycle parent rollback failed", "err", rmErr)
			}
			return schema.CreateContainerResponse{}, err
		}
		resp.ChildID = childID
	}
	log.Info("lifecycle create ok", "child", resp.ChildID)
	return resp, nil
}

// launch creates and starts a container. A container that was created but
// could not be started is removed again.
func (s *service) launch(ctx context.Context, spec shipohoy.ContainerSpec) (string, error) {
	id, err := s.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return "", upstream("create container", err)
	}
	if err := s.runtime.StartContainer(ctx, id); err != nil {
		if rmErr := s.runtime.RemoveContainer(ctx, id); rmErr != nil && !errors.Is(rmErr, shipohoy.ErrNotFound) {
			logx.WithContainer(logx.Ctx(ctx), id).Warn("lifecycle cleanup failed", "err", rmErr)
		}
		return "", upstream("start container", err)
	}
	return id, nil
}

// checkContainerQuota counts the caller's existing containers live from the
// runtime. Elevated users are not limited.
func (s *service) checkContainerQuota(ctx context.Context, p schema.Principal) error {
	if policy.IsElevated(p.Role) {
		return nil
	}
	user, err := s.store.UserByID(ctx, p.ID)
	if err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return schema.ErrUnauthorized
		}
		return err
	}
	owned, err := s.runtime.ListContainers(ctx, shipohoy.ListFilter{
		Labels: map[string]string{schema.LabelOwner: string(p.ID)},
	})
	if err != nil {
		return upstream("list containers", err)
	}
	if len(owned) >= user.ContainerLimit {
		return schema.ErrQuotaExceeded
	}
	return nil
}

func childName(parent string) string {
	return fmt.Sprintf("%s-child-%d", parent, rand.IntN(1000))
}

func envMap(vars []schema.EnvVar) map[string]string {
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			continue
		}
		env[key] = v.Value
	}
	return env
}

func (s *service) ContainerAction(ctx context.Context, p schema.Principal, id string, action schema.ContainerAction) (resp schema.ActionResponse, err error) {
	if err := requirePrincipal(p); err != nil {
		return schema.ActionResponse{}, err
	}
	if !action.Valid() {
		return schema.ActionResponse{}, fmt.Errorf("%w: unknown action %q", schema.ErrInvalidInput, action)
	}
	defer func() { s.metrics.ContainerAction(string(action), err) }()
	log := logx.WithContainer(logx.WithUser(ctx, p.ID), id).With("action", string(action))

	target, err := s.runtime.InspectContainer(ctx, id)
	if err != nil {
		if errors.Is(err, shipohoy.ErrNotFound) {
			log.Debug("lifecycle action skipped", "reason", "container gone")
			return schema.ActionResponse{Success: true, Affected: []string{}}, nil
		}
		log.Warn("lifecycle action failed", "err", err)
		return schema.ActionResponse{}, upstream("inspect container", err)
	}
	if !policy.CanOperateOnContainer(p, schema.UserID(target.Labels[schema.LabelOwner])) {
		log.Warn("lifecycle action failed", "err", schema.ErrForbidden)
		return schema.ActionResponse{}, schema.ErrForbidden
	}

	// Children are resolved before the parent is acted on so a delete cannot
	// race the lookup.
	children, err := s.runtime.ListContainers(ctx, shipohoy.ListFilter{
		Labels: map[string]string{schema.LabelParent: target.ID},
	})
	if err != nil {
		log.Warn("lifecycle child lookup failed", "err", err)
		children = nil
	}

	if err := s.apply(ctx, action, target.ID); err != nil && !errors.Is(err, shipohoy.ErrNotFound) {
		log.Warn("lifecycle action failed", "err", err)
		return schema.ActionResponse{}, upstream(string(action)+" container", err)
	}
	resp = schema.ActionResponse{Success: true, Affected: []string{target.ID}}

	for _, child := range children {
		if child.ID == target.ID {
			continue
		}
		if err := s.apply(ctx, action, child.ID); err != nil {
			if errors.Is(err, shipohoy.ErrNotFound) {
				continue
			}
			logx.WithContainer(log, child.ID).Warn("lifecycle cascade failed", "err", err)
			resp.Failed = append(resp.Failed, schema.ActionFailure{ContainerID: child.ID, Error: err.Error()})
			continue
		}
		resp.Affected = append(resp.Affected, child.ID)
	}
	log.Info("lifecycle action ok", "affected", len(resp.Affected), "failed", len(resp.Failed))
	return resp, nil
}

func (s *service) apply(ctx context.Context, action schema.ContainerAction, id string) error {
	switch action {
	case schema.ActionStart:
		return s.runtime.StartContainer(ctx, id)
	case schema.ActionStop:
		return s.runtime.StopContainer(ctx, id)
	case schema.ActionDelete:
		return s.runtime.RemoveContainer(ctx, id)
	default:
		return fmt.Errorf("%w: unknown action %q", schema.ErrInvalidInput, action)
	}
}

func (s *service) ContainerLogs(ctx context.Context, p schema.Principal, id string) (string, error) {
	if err := requirePrincipal(p); err != nil {
		return "", err
	}
	log := logx.WithContainer(logx.WithUser(ctx, p.ID), id)
	target, err := s.runtime.InspectContainer(ctx, id)
	if err != nil {
		return "", upstream("inspect container", err)
	}
	if !policy.CanOperateOnContainer(p, schema.UserID(target.Labels[schema.LabelOwner])) {
		log.Warn("lifecycle logs failed", "err", schema.ErrForbidden)
		return "", schema.ErrForbidden
	}
	text, err := s.runtime.TailLogs(ctx, target.ID, shipohoy.LogSpec{Tail: s.cfg.LogTailLines, Timestamps: true})
	if err != nil {
		log.Warn("lifecycle logs failed", "err", err)
		return "", upstream("container logs", err)
	}
	return text, nil
}

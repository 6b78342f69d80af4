package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/internal/policy"
	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/schema"
)

const untaggedRef = "<none>:<none>"

func (s *service) ListImages(ctx context.Context, p schema.Principal) ([]schema.Image, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	images, err := s.runtime.ListImages(ctx)
	if err != nil {
		logx.WithUser(ctx, p.ID).Warn("registry list failed", "err", err)
		return nil, upstream("list images", err)
	}
	metas, err := s.store.AllImageMeta(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Image, 0, len(images))
	for _, img := range images {
		for _, ref := range img.RepoTags {
			if ref == "" || ref == untaggedRef {
				continue
			}
			view := imageView(img, ref, metas)
			meta := metas[view.Key()]
			if !policy.CanViewImage(p, meta) {
				continue
			}
			out = append(out, view)
		}
	}
	return out, nil
}

func imageView(img shipohoy.ImageSummary, ref string, metas map[string]schema.ImageMeta) schema.Image {
	name, tag := schema.SplitRepoTag(ref)
	meta := metas[name+":"+tag]
	view := schema.Image{
		ID:          shortDigest(img.ID),
		Name:        name,
		Tag:         tag,
		Size:        fmt.Sprintf("%.2f MB", float64(img.Size)/1000/1000),
		OwnerID:     meta.Owner(),
		Visibility:  meta.EffectiveVisibility(),
		AccessLevel: meta.EffectiveAccessLevel(),
		Category:    meta.Category,
		Description: meta.Description,
	}
	if !img.Created.IsZero() {
		view.Created = img.Created.Unix()
	}
	return view
}

func shortDigest(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (s *service) ImageMeta(ctx context.Context, p schema.Principal) (map[string]schema.ImageMeta, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	metas, err := s.store.AllImageMeta(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]schema.ImageMeta, len(metas))
	for key, meta := range metas {
		if policy.CanViewImage(p, meta) {
			out[key] = meta
		}
	}
	return out, nil
}

func (s *service) SaveImageMeta(ctx context.Context, p schema.Principal, req schema.SaveMetaRequest) (schema.ImageMeta, error) {
	if err := requirePrincipal(p); err != nil {
		return schema.ImageMeta{}, err
	}
	if strings.TrimSpace(req.ID) == "" {
		return schema.ImageMeta{}, fmt.Errorf("%w: image id is required", schema.ErrInvalidInput)
	}
	if err := validateMetaUpdate(req.Meta); err != nil {
		return schema.ImageMeta{}, err
	}
	key := schema.NormalizeImageRef(req.ID)
	log := logx.WithImage(logx.WithUser(ctx, p.ID), key)
	meta, err := s.store.UpdateImageMeta(ctx, key, func(current schema.ImageMeta, exists bool) (schema.ImageMeta, error) {
		if !exists && !policy.IsElevated(p.Role) {
			return schema.ImageMeta{}, schema.ErrForbidden
		}
		if !policy.CanModifyImageMeta(p, current, req.Meta) {
			return schema.ImageMeta{}, schema.ErrForbidden
		}
		return req.Meta.Apply(current), nil
	})
	if err != nil {
		log.Warn("registry meta save failed", "err", err)
		return schema.ImageMeta{}, err
	}
	log.Info("registry meta save ok")
	return meta, nil
}

func validateMetaUpdate(update schema.MetaUpdate) error {
	if update.Visibility != nil && !update.Visibility.Valid() {
		return fmt.Errorf("%w: unknown visibility %q", schema.ErrInvalidInput, *update.Visibility)
	}
	if update.AccessLevel != nil && !update.AccessLevel.Valid() {
		return fmt.Errorf("%w: unknown access level %q", schema.ErrInvalidInput, *update.AccessLevel)
	}
	if update.DefaultEnvs != nil {
		for _, env := range *update.DefaultEnvs {
			if strings.TrimSpace(env.Key) == "" {
				return fmt.Errorf("%w: environment key is required", schema.ErrInvalidInput)
			}
		}
	}
	return nil
}

func (s *service) DeleteImage(ctx context.Context, p schema.Principal, ref string) error {
	if err := requirePrincipal(p); err != nil {
		return err
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: image reference is required", schema.ErrInvalidInput)
	}
	key := schema.NormalizeImageRef(ref)
	log := logx.WithImage(logx.WithUser(ctx, p.ID), key)
	meta, _, err := s.store.ImageMeta(ctx, key)
	if err != nil {
		return err
	}
	if !policy.CanDeleteImage(p, meta) {
		log.Warn("registry delete failed", "err", schema.ErrForbidden)
		return schema.ErrForbidden
	}
	if err := s.runtime.RemoveImage(ctx, key); err != nil {
		if !errors.Is(err, shipohoy.ErrNotFound) {
			log.Warn("registry delete failed", "err", err)
			return upstream("remove image", err)
		}
		log.Debug("registry delete image already gone")
	}
	if err := s.store.DeleteImageMeta(ctx, key); err != nil {
		log.Error("registry delete meta failed", "err", err)
		return err
	}
	log.Info("registry delete ok")
	return nil
}

func (s *service) PruneImages(ctx context.Context, p schema.Principal) (schema.PruneResponse, error) {
	if err := requirePrincipal(p); err != nil {
		return schema.PruneResponse{}, err
	}
	if !policy.IsElevated(p.Role) {
		return schema.PruneResponse{}, schema.ErrForbidden
	}
	res, err := s.runtime.PruneImages(ctx)
	if err != nil {
		logx.WithUser(ctx, p.ID).Warn("registry prune failed", "err", err)
		return schema.PruneResponse{}, upstream("prune images", err)
	}
	deleted := res.Deleted
	if deleted == nil {
		deleted = []string{}
	}
	logx.WithUser(ctx, p.ID).Info("registry prune ok", "deleted", len(deleted), "reclaimed", res.SpaceReclaimed)
	return schema.PruneResponse{
		Success: true,
		Report:  schema.PruneReport{ImagesDeleted: deleted, SpaceReclaimed: res.SpaceReclaimed},
	}, nil
}

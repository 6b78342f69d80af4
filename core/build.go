package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/internal/policy"
	"pkt.systems/berth/internal/repo"
	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/schema"
	"pkt.systems/pslog"
)

// BuildSession is a prepared build: the repository is cloned and carries a
// Dockerfile. Run executes the build and always releases the workspace.
type BuildSession struct {
	svc       *service
	id        string
	principal schema.Principal
	image     string
	repoURL   string // credentials masked
	workspace repo.Workspace
	recipe    string
	log       pslog.Logger
	closeOnce sync.Once
	closeErr  error
}

// ID returns the build id.
func (b *BuildSession) ID() string { return b.id }

// Image returns the normalised name:tag being built.
func (b *BuildSession) Image() string { return b.image }

func (s *service) StartBuild(ctx context.Context, p schema.Principal, req schema.BuildRequest) (*BuildSession, error) {
	if err := requirePrincipal(p); err != nil {
		return nil, err
	}
	if s.builder == nil {
		return nil, fmt.Errorf("%w: image builds are not available on this host", schema.ErrUpstream)
	}
	log := logx.WithUser(ctx, p.ID)
	if err := s.checkImageQuota(ctx, p); err != nil {
		log.Warn("build start failed", "err", err)
		return nil, err
	}
	name := strings.TrimSpace(req.ImageName)
	if err := schema.ValidateImageName(name); err != nil {
		log.Warn("build start failed", "err", err)
		return nil, err
	}
	repoURL, err := repo.ValidateCloneURL(req.RepoURL)
	if err != nil {
		log.Warn("build start failed", "err", err)
		return nil, err
	}
	image := schema.NormalizeImageRef(name)
	existing, exists, err := s.store.ImageMeta(ctx, image)
	if err != nil {
		return nil, err
	}
	if exists && existing.Owner() != p.ID && !policy.IsElevated(p.Role) {
		log.Warn("build start failed", "image", image, "err", schema.ErrForbidden)
		return nil, fmt.Errorf("%w: %s belongs to another owner", schema.ErrForbidden, image)
	}

	id := uuid.NewString()
	log = logx.WithImage(logx.WithBuild(log, id, repo.RedactURL(repoURL)), image)
	log.Info("build checkout start")
	ws, err := s.workspaces.Checkout(pslog.ContextWithLogger(ctx, log), id, repoURL)
	if err != nil {
		log.Warn("build checkout failed", "err", err)
		return nil, err
	}
	session := &BuildSession{
		svc:       s,
		id:        id,
		principal: p,
		image:     image,
		repoURL:   repo.RedactURL(repoURL),
		workspace: ws,
		log:       log,
	}
	recipe, err := ws.RecipePath()
	if err != nil {
		log.Warn("build checkout failed", "err", err)
		_ = session.Close()
		return nil, err
	}
	session.recipe = recipe
	log.Info("build checkout ok")
	return session, nil
}

// checkImageQuota counts metadata entries owned by the caller. Elevated users
// are not limited.
func (s *service) checkImageQuota(ctx context.Context, p schema.Principal) error {
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
	owned, err := s.store.CountImagesOwnedBy(ctx, p.ID)
	if err != nil {
		return err
	}
	if owned >= user.ImageLimit {
		return fmt.Errorf("%w: image limit of %d reached", schema.ErrQuotaExceeded, user.ImageLimit)
	}
	return nil
}

// Run executes the build, handing every progress record to emit as it
// arrives. The build is detached from ctx cancellation and bounded by the
// configured timeout. A failure is reported as a trailing error record once
// output has started; before that it is only returned, so the caller can
// answer with a plain error. The workspace is removed in every case.
func (b *BuildSession) Run(ctx context.Context, emit func(schema.BuildRecord)) error {
	defer func() { _ = b.Close() }()
	s := b.svc
	started := time.Now()
	buildCtx, cancel := context.WithTimeout(pslog.ContextWithLogger(context.WithoutCancel(ctx), b.log), s.cfg.BuildTimeout)
	defer cancel()

	events := make(chan shipohoy.BuildEvent, 64)
	type outcome struct {
		res shipohoy.BuildResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.builder.BuildWithEvents(buildCtx, shipohoy.BuildSpec{
			ContextDir:        b.workspace.Path,
			ContainerfilePath: b.recipe,
			Tags:              []string{b.image},
			Timeout:           s.cfg.BuildTimeout,
		}, events)
		close(events)
		done <- outcome{res: res, err: err}
	}()

	emitted := 0
	reportedError := false
	for ev := range events {
		record, ok := buildRecord(ev)
		if !ok {
			continue
		}
		if record.Error != "" {
			reportedError = true
		}
		emit(record)
		emitted++
	}
	result := <-done

	err := result.err
	if err == nil && reportedError {
		err = errors.New("build reported an error")
	}
	if err != nil {
		s.metrics.Build(err, time.Since(started))
		b.log.Warn("build failed", "err", err, "records", emitted)
		if emitted > 0 && !reportedError {
			emit(schema.BuildRecord{Error: err.Error()})
		}
		return err
	}

	if err := b.saveMeta(buildCtx); err != nil {
		s.metrics.Build(err, time.Since(started))
		b.log.Error("build meta save failed", "err", err)
		if emitted > 0 {
			emit(schema.BuildRecord{Error: err.Error()})
		}
		return err
	}
	s.metrics.Build(nil, time.Since(started))
	emit(schema.BuildRecord{Stream: fmt.Sprintf("Successfully tagged %s\n", b.image)})
	b.log.Info("build ok", "tags", result.res.ImageNames, "records", emitted, "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func (b *BuildSession) saveMeta(ctx context.Context) error {
	meta := schema.ImageMeta{
		OwnerID:     b.principal.ID,
		Visibility:  schema.VisibilityPrivate,
		AccessLevel: schema.AccessFree,
		Category:    "Personal",
		Description: "Built from " + b.repoURL,
		DefaultEnvs: []schema.EnvVar{},
	}
	return b.svc.store.PutImageMeta(ctx, b.image, meta)
}

// buildRecord maps a builder event onto a streamed record. Completed vertices
// without an error produce nothing.
func buildRecord(ev shipohoy.BuildEvent) (schema.BuildRecord, bool) {
	switch ev.Kind {
	case shipohoy.BuildEventLog:
		if ev.Message == "" {
			return schema.BuildRecord{}, false
		}
		return schema.BuildRecord{Stream: ev.Message}, true
	case shipohoy.BuildEventVertexStarted:
		if ev.Name == "" {
			return schema.BuildRecord{}, false
		}
		return schema.BuildRecord{Stream: ev.Name + "\n"}, true
	case shipohoy.BuildEventVertexCompleted:
		if ev.Error == "" {
			return schema.BuildRecord{}, false
		}
		return schema.BuildRecord{Error: ev.Error}, true
	case shipohoy.BuildEventWarning:
		return schema.BuildRecord{Stream: "WARNING: " + strings.TrimSuffix(ev.Message, "\n") + "\n"}, true
	case shipohoy.BuildEventRaw:
		return schema.BuildRecord{Raw: ev.Message}, true
	case shipohoy.BuildEventError:
		msg := ev.Error
		if msg == "" {
			msg = ev.Message
		}
		return schema.BuildRecord{Error: msg}, true
	default:
		return schema.BuildRecord{}, false
	}
}

// Close removes the build workspace. It is safe to call more than once.
func (b *BuildSession) Close() error {
	b.closeOnce.Do(func() {
		ctx := pslog.ContextWithLogger(context.Background(), b.log)
		b.closeErr = b.svc.workspaces.Remove(ctx, b.workspace)
	})
	return b.closeErr
}

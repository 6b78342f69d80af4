package logx

import (
	"context"

	"pkt.systems/berth/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	userKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithUser annotates the logger with the user id unless the context logger
// already carries it.
func WithUser(ctx context.Context, userID schema.UserID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithContainer annotates the logger with a container id.
func WithContainer(log pslog.Logger, containerID string) pslog.Logger {
	if containerID != "" {
		log = log.With("container", shortID(containerID))
	}
	return log
}

// WithImage annotates the logger with an image reference.
func WithImage(log pslog.Logger, ref string) pslog.Logger {
	if ref != "" {
		log = log.With("image", ref)
	}
	return log
}

// WithBuild annotates the logger with a build id and source repository.
func WithBuild(log pslog.Logger, buildID, repoURL string) pslog.Logger {
	if buildID != "" {
		log = log.With("build", buildID)
	}
	if repoURL != "" {
		log = log.With("repo_url", repoURL)
	}
	return log
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithUserLogger attaches the logger and user marker to the context.
func ContextWithUserLogger(ctx context.Context, log pslog.Logger, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ctx, userID)
}

// CopyContextFields copies the user marker from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if user, ok := src.Value(userKey).(schema.UserID); ok && user != "" {
		dst = ContextWithUser(dst, user)
	}
	return dst
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

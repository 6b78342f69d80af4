// Package auth owns credentials: registration, login with legacy password
// migration, password rotation, session tokens and user administration.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/internal/policy"
	"pkt.systems/berth/internal/store"
	"pkt.systems/berth/schema"
)

// Defaults applied to self-registered users.
const (
	DefaultContainerLimit    = 5
	DefaultImageLimit        = 1
	DefaultMinPasswordLength = 3
)

// Config tunes the authenticator.
type Config struct {
	BcryptCost            int
	MinPasswordLength     int
	DefaultContainerLimit int
	DefaultImageLimit     int
}

// Service authenticates users against the store.
type Service struct {
	store  *store.Store
	tokens *TokenIssuer
	cfg    Config
}

// NewService returns an authenticator over st issuing tokens with tokens.
func NewService(st *store.Store, tokens *TokenIssuer, cfg Config) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if tokens == nil {
		return nil, errors.New("token issuer is required")
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = DefaultMinPasswordLength
	}
	if cfg.DefaultContainerLimit <= 0 {
		cfg.DefaultContainerLimit = DefaultContainerLimit
	}
	if cfg.DefaultImageLimit <= 0 {
		cfg.DefaultImageLimit = DefaultImageLimit
	}
	return &Service{store: st, tokens: tokens, cfg: cfg}, nil
}

// Register creates a free-tier user and returns it with a fresh token.
func (s *Service) Register(ctx context.Context, username, password string) (schema.AuthResponse, error) {
	log := logx.Ctx(ctx).With("username", username)
	if err := schema.ValidateUsername(username); err != nil {
		return schema.AuthResponse{}, err
	}
	if len(password) < s.cfg.MinPasswordLength {
		return schema.AuthResponse{}, schema.ErrWeakCredential
	}
	if _, err := s.store.UserByName(ctx, username); err == nil {
		return schema.AuthResponse{}, fmt.Errorf("username %q: %w", username, schema.ErrConflict)
	} else if !errors.Is(err, schema.ErrNotFound) {
		return schema.AuthResponse{}, err
	}
	hash, err := HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return schema.AuthResponse{}, err
	}
	user := schema.User{
		ID:             schema.UserID(uuid.NewString()),
		Username:       username,
		PasswordHash:   hash,
		Role:           schema.RoleFree,
		ContainerLimit: s.cfg.DefaultContainerLimit,
		ImageLimit:     s.cfg.DefaultImageLimit,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		log.Warn("auth register failed", "err", err)
		return schema.AuthResponse{}, err
	}
	token, err := s.tokens.Issue(user)
	if err != nil {
		return schema.AuthResponse{}, err
	}
	log.Info("auth register ok", "user", user.ID)
	return schema.AuthResponse{User: user.Public(), Token: token}, nil
}

// Login checks credentials and issues a token. A user still holding a legacy
// plaintext password is upgraded to a bcrypt hash on the first match, and the
// response is flagged as migrated.
func (s *Service) Login(ctx context.Context, username, password string) (schema.AuthResponse, error) {
	log := logx.Ctx(ctx).With("username", username)
	user, err := s.store.UserByName(ctx, username)
	if err != nil {
		return schema.AuthResponse{}, err
	}
	if user.IsBlocked {
		return schema.AuthResponse{}, schema.ErrBlocked
	}
	migrated := false
	switch {
	case user.PasswordHash != "":
		if !checkHash(user.PasswordHash, password) {
			return schema.AuthResponse{}, schema.ErrInvalidCredential
		}
	case user.Password != "":
		if !checkLegacy(user.Password, password) {
			return schema.AuthResponse{}, schema.ErrInvalidCredential
		}
		user, migrated, err = s.migrate(ctx, user.ID, password)
		if err != nil {
			log.Warn("auth migrate failed", "err", err)
			return schema.AuthResponse{}, err
		}
		if migrated {
			log.Info("auth migrate ok", "user", user.ID)
		}
	default:
		return schema.AuthResponse{}, schema.ErrInvalidCredential
	}
	token, err := s.tokens.Issue(user)
	if err != nil {
		return schema.AuthResponse{}, err
	}
	log.Info("auth login ok", "user", user.ID, "role", user.Role)
	return schema.AuthResponse{User: user.Public(), Token: token, Migrated: migrated}, nil
}

func (s *Service) migrate(ctx context.Context, id schema.UserID, password string) (schema.User, bool, error) {
	hash, err := HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return schema.User{}, false, err
	}
	migrated := false
	user, err := s.store.UpdateUser(ctx, id, func(u *schema.User) error {
		// A concurrent login may have migrated the record already.
		if u.PasswordHash == "" {
			u.PasswordHash = hash
			migrated = true
		}
		u.Password = ""
		return nil
	})
	return user, migrated, err
}

// ChangePassword replaces the caller's credential and drops any legacy field.
func (s *Service) ChangePassword(ctx context.Context, p schema.Principal, newPassword string) error {
	if len(newPassword) < s.cfg.MinPasswordLength {
		return schema.ErrWeakCredential
	}
	hash, err := HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	_, err = s.store.UpdateUser(ctx, p.ID, func(u *schema.User) error {
		u.PasswordHash = hash
		u.Password = ""
		return nil
	})
	if err != nil {
		return err
	}
	logx.WithUser(ctx, p.ID).Info("auth password change ok")
	return nil
}

// Verify resolves a bearer token into the principal it was issued for. The
// role is taken from the token, not re-read from the store.
func (s *Service) Verify(token string) (schema.Principal, error) {
	return s.tokens.Verify(token)
}

// ListUsers returns every user without credentials. Elevated only.
func (s *Service) ListUsers(ctx context.Context, p schema.Principal) ([]schema.User, error) {
	if !policy.IsElevated(p.Role) {
		return nil, schema.ErrForbidden
	}
	users, err := s.store.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schema.User, 0, len(users))
	for _, user := range users {
		out = append(out, user.Public())
	}
	return out, nil
}

// UpdateUser applies an administrative change to another user. Elevated only.
func (s *Service) UpdateUser(ctx context.Context, p schema.Principal, id schema.UserID, update schema.UserUpdate) (schema.User, error) {
	if !policy.IsElevated(p.Role) {
		return schema.User{}, schema.ErrForbidden
	}
	if update.Role != nil && !update.Role.Valid() {
		return schema.User{}, fmt.Errorf("%w: unknown role %q", schema.ErrInvalidInput, *update.Role)
	}
	if (update.ContainerLimit != nil && *update.ContainerLimit < 0) || (update.ImageLimit != nil && *update.ImageLimit < 0) {
		return schema.User{}, fmt.Errorf("%w: limits must not be negative", schema.ErrInvalidInput)
	}
	user, err := s.store.UpdateUser(ctx, id, func(u *schema.User) error {
		if update.Role != nil {
			u.Role = *update.Role
		}
		if update.ContainerLimit != nil {
			u.ContainerLimit = int(*update.ContainerLimit)
		}
		if update.ImageLimit != nil {
			u.ImageLimit = int(*update.ImageLimit)
		}
		if update.IsBlocked != nil {
			u.IsBlocked = *update.IsBlocked
		}
		return nil
	})
	if err != nil {
		return schema.User{}, err
	}
	logx.WithUser(ctx, p.ID).Info("auth user update ok", "target", id, "role", user.Role, "blocked", user.IsBlocked)
	return user.Public(), nil
}

// DeleteUser removes a user and their saved configuration. Elevated only.
func (s *Service) DeleteUser(ctx context.Context, p schema.Principal, id schema.UserID) error {
	if !policy.IsElevated(p.Role) {
		return schema.ErrForbidden
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	logx.WithUser(ctx, p.ID).Info("auth user delete ok", "target", id)
	return nil
}

package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Authentication.

// CredentialsRequest carries a username and password for login or registration.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse is returned by login and registration. The user fields are
// flattened next to the token.
type AuthResponse struct {
	User
	Token    string `json:"token"`
	Migrated bool   `json:"migrated"`
}

// ChangePasswordRequest rotates the caller's own credential.
type ChangePasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

// Containers.

// CreateContainerRequest describes a container to launch.
type CreateContainerRequest struct {
	Name  string   `json:"name"`
	Image string   `json:"image"`
	Env   []EnvVar `json:"env"`
}

// CreateContainerResponse reports the created parent and optional child.
type CreateContainerResponse struct {
	ID      string `json:"id"`
	ChildID string `json:"childId,omitempty"`
}

// ActionFailure records a container the runtime refused to act on during a
// lifecycle action. The action itself still succeeds; failures are reported
// next to the containers that were affected.
type ActionFailure struct {
	ContainerID string `json:"containerId"`
	Error       string `json:"error"`
}

// ActionResponse reports the outcome of a lifecycle action and its cascade.
type ActionResponse struct {
	Success  bool            `json:"success"`
	Affected []string        `json:"affected"`
	Failed   []ActionFailure `json:"failed,omitempty"`
}

// Images.

// MetaUpdate is a partial ImageMeta; nil fields are left unchanged.
// OwnerID is accepted so clients can echo a full record, but it is never applied.
type MetaUpdate struct {
	OwnerID     *UserID      `json:"ownerId,omitempty"`
	Visibility  *Visibility  `json:"visibility,omitempty"`
	AccessLevel *AccessLevel `json:"accessLevel,omitempty"`
	Category    *string      `json:"category,omitempty"`
	Description *string      `json:"description,omitempty"`
	DefaultEnvs *[]EnvVar    `json:"defaultEnvs,omitempty"`
	ChildImage  *string      `json:"childImage,omitempty"`
}

// TouchesRestricted reports whether the update changes a field only elevated
// users may change.
func (u MetaUpdate) TouchesRestricted(current ImageMeta) bool {
	if u.AccessLevel != nil && *u.AccessLevel != current.EffectiveAccessLevel() {
		return true
	}
	if u.ChildImage != nil && *u.ChildImage != current.ChildImage {
		return true
	}
	return false
}

// Apply merges the update into meta and returns the result. OwnerID is preserved.
func (u MetaUpdate) Apply(meta ImageMeta) ImageMeta {
	if u.Visibility != nil {
		meta.Visibility = *u.Visibility
	}
	if u.AccessLevel != nil {
		meta.AccessLevel = *u.AccessLevel
	}
	if u.Category != nil {
		meta.Category = *u.Category
	}
	if u.Description != nil {
		meta.Description = *u.Description
	}
	if u.DefaultEnvs != nil {
		meta.DefaultEnvs = append([]EnvVar(nil), (*u.DefaultEnvs)...)
	}
	if u.ChildImage != nil {
		meta.ChildImage = *u.ChildImage
	}
	return meta
}

// SaveMetaRequest updates the metadata stored under ID (name:tag).
type SaveMetaRequest struct {
	ID   string     `json:"id"`
	Meta MetaUpdate `json:"meta"`
}

// PruneResponse wraps a prune report.
type PruneResponse struct {
	Success bool        `json:"success"`
	Report  PruneReport `json:"report"`
}

// Builds.

// BuildRequest asks for an image to be built from a git repository.
type BuildRequest struct {
	ImageName string `json:"imageName"`
	RepoURL   string `json:"repoUrl"`
}

// BuildRecord is one line of streamed build output. Raw carries an upstream
// line that could not be decoded and is written verbatim.
type BuildRecord struct {
	Stream string `json:"stream,omitempty"`
	Error  string `json:"error,omitempty"`
	Raw    string `json:"-"`
}

// Administration.

// UserUpdate is a partial update applied by an elevated user.
type UserUpdate struct {
	Role           *Role  `json:"role,omitempty"`
	ContainerLimit *Limit `json:"containerLimit,omitempty"`
	ImageLimit     *Limit `json:"imageLimit,omitempty"`
	IsBlocked      *bool  `json:"isBlocked,omitempty"`
}

// Limit is a non-negative quota. Form inputs post it as a string, so it
// decodes from a JSON number or a string holding a whole number.
type Limit int

// UnmarshalJSON implements json.Unmarshaler.
func (l *Limit) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("%w: limit %s is not a whole number", ErrInvalidInput, string(data))
	}
	if n < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidInput)
	}
	*l = Limit(n)
	return nil
}

// SuccessResponse is the generic acknowledgement body.
type SuccessResponse struct {
	Success bool `json:"success"`
}

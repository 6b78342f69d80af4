package schema

// UserID identifies a user account.
type UserID string

// SystemOwner owns every image that no tenant built.
const SystemOwner UserID = "system"

// Role is the privilege class of a user.
type Role string

const (
	// RoleAdmin is the operator role.
	RoleAdmin Role = "admin"
	// RoleDevUser is privilege-equivalent to RoleAdmin.
	RoleDevUser Role = "dev_user"
	// RoleVIP unlocks vip-level images.
	RoleVIP Role = "vip"
	// RoleFree is the default role for self-registered users.
	RoleFree Role = "free"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDevUser, RoleVIP, RoleFree:
		return true
	}
	return false
}

// Visibility controls whether an image is discoverable by other tenants.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// AccessLevel gates who may launch containers from an image.
type AccessLevel string

const (
	AccessFree AccessLevel = "free"
	AccessVIP  AccessLevel = "vip"
	AccessDev  AccessLevel = "dev"
)

// Valid reports whether a is a known access level.
func (a AccessLevel) Valid() bool {
	switch a {
	case AccessFree, AccessVIP, AccessDev:
		return true
	}
	return false
}

// Container roles stamped as runtime labels.
const (
	ContainerRoleParent     = "parent"
	ContainerRoleChild      = "child"
	ContainerRoleStandalone = "standalone"
)

// Runtime label keys carrying container ownership and relations.
const (
	LabelOwner  = "custom.owner"
	LabelRole   = "custom.role"
	LabelParent = "custom.parent"
)

// User is a persisted account record.
type User struct {
	ID             UserID `json:"id"`
	Username       string `json:"username"`
	PasswordHash   string `json:"passwordHash,omitempty"`
	Password       string `json:"password,omitempty"`
	Role           Role   `json:"role"`
	ContainerLimit int    `json:"containerLimit"`
	ImageLimit     int    `json:"imageLimit"`
	IsBlocked      bool   `json:"isBlocked"`
}

// Public returns a copy of the user without credential material.
func (u User) Public() User {
	u.PasswordHash = ""
	u.Password = ""
	return u
}

// Principal is the identity carried by a verified session token.
type Principal struct {
	ID       UserID
	Username string
	Role     Role
}

// EnvVar is a single environment variable, optionally labelled for display.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// ImageMeta is the persisted overlay for a runtime image keyed by name:tag.
type ImageMeta struct {
	OwnerID     UserID      `json:"ownerId,omitempty"`
	Visibility  Visibility  `json:"visibility,omitempty"`
	AccessLevel AccessLevel `json:"accessLevel,omitempty"`
	Category    string      `json:"category,omitempty"`
	Description string      `json:"description,omitempty"`
	DefaultEnvs []EnvVar    `json:"defaultEnvs,omitempty"`
	ChildImage  string      `json:"childImage,omitempty"`
}

// Owner returns the effective owner, defaulting to SystemOwner.
func (m ImageMeta) Owner() UserID {
	if m.OwnerID == "" {
		return SystemOwner
	}
	return m.OwnerID
}

// EffectiveVisibility returns the visibility, defaulting to public.
func (m ImageMeta) EffectiveVisibility() Visibility {
	if m.Visibility == "" {
		return VisibilityPublic
	}
	return m.Visibility
}

// EffectiveAccessLevel returns the access level, defaulting to free.
func (m ImageMeta) EffectiveAccessLevel() AccessLevel {
	if m.AccessLevel == "" {
		return AccessFree
	}
	return m.AccessLevel
}

// UserConfig is the per-user set of saved environment templates.
type UserConfig struct {
	SavedVars []EnvVar `json:"savedVars"`
}

// Container is the tenant-facing view of a runtime container.
type Container struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Image    string `json:"image"`
	Status   string `json:"status"`
	OwnerID  UserID `json:"ownerId"`
	Role     string `json:"role"`
	ParentID string `json:"parentId,omitempty"`
}

// Image is the tenant-facing view of a runtime image merged with metadata.
type Image struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Tag         string      `json:"tag"`
	Size        string      `json:"size"`
	Created     int64       `json:"created"`
	OwnerID     UserID      `json:"ownerId"`
	Visibility  Visibility  `json:"visibility"`
	AccessLevel AccessLevel `json:"accessLevel"`
	Category    string      `json:"category,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Key returns the metadata key of the image.
func (i Image) Key() string {
	return i.Name + ":" + i.Tag
}

// SystemStats summarises the runtime host.
type SystemStats struct {
	Containers    int    `json:"containers"`
	Running       int    `json:"running"`
	Paused        int    `json:"paused"`
	Stopped       int    `json:"stopped"`
	Images        int    `json:"images"`
	CPUs          int    `json:"cpus"`
	Memory        int64  `json:"memory"`
	OS            string `json:"os"`
	DockerVersion string `json:"dockerVersion"`
}

// PruneReport lists what an image prune removed.
type PruneReport struct {
	ImagesDeleted  []string `json:"imagesDeleted"`
	SpaceReclaimed uint64   `json:"spaceReclaimed"`
}

// ContainerAction is a lifecycle verb applied to a container and its children.
type ContainerAction string

// Lifecycle actions accepted by POST /api/containers/{id}/{action}. A parent
// action cascades to its children; a child failure lands in ActionFailure.
const (
	ActionStart  ContainerAction = "start"
	ActionStop   ContainerAction = "stop"
	ActionDelete ContainerAction = "delete"
)

// Valid reports whether a is a known action.
func (a ContainerAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionDelete:
		return true
	}
	return false
}

// Package policy holds the pure authorization decisions shared by every
// component. Nothing here touches the store or the runtime.
package policy

import "pkt.systems/berth/schema"

// IsElevated reports whether role bypasses ownership and quota checks.
func IsElevated(role schema.Role) bool {
	return role == schema.RoleAdmin || role == schema.RoleDevUser
}

// CanAccessImage reports whether role may launch an image gated at level.
func CanAccessImage(role schema.Role, level schema.AccessLevel) bool {
	if IsElevated(role) {
		return true
	}
	switch level {
	case "", schema.AccessFree:
		return true
	case schema.AccessVIP:
		return role == schema.RoleVIP
	default:
		return false
	}
}

// CanOperateOnContainer reports whether p may act on a container owned by ownerID.
func CanOperateOnContainer(p schema.Principal, ownerID schema.UserID) bool {
	if IsElevated(p.Role) {
		return true
	}
	return ownerID != "" && ownerID == p.ID
}

// MetaScope is how much of an image's metadata a caller may change.
type MetaScope int

const (
	// MetaScopeNone denies any change.
	MetaScopeNone MetaScope = iota
	// MetaScopeOwner allows description, visibility, category and default envs.
	MetaScopeOwner
	// MetaScopeAll allows every field except the owner.
	MetaScopeAll
)

// ImageMetaScope returns what p may modify on current.
func ImageMetaScope(p schema.Principal, current schema.ImageMeta) MetaScope {
	if IsElevated(p.Role) {
		return MetaScopeAll
	}
	if current.Owner() == p.ID {
		return MetaScopeOwner
	}
	return MetaScopeNone
}

// CanModifyImageMeta reports whether p may apply update to current.
func CanModifyImageMeta(p schema.Principal, current schema.ImageMeta, update schema.MetaUpdate) bool {
	switch ImageMetaScope(p, current) {
	case MetaScopeAll:
		return true
	case MetaScopeOwner:
		return !update.TouchesRestricted(current)
	default:
		return false
	}
}

// CanViewImage reports whether p may see an image with the given metadata.
func CanViewImage(p schema.Principal, meta schema.ImageMeta) bool {
	owner := meta.Owner()
	switch {
	case owner == schema.SystemOwner:
		return true
	case meta.EffectiveVisibility() == schema.VisibilityPublic:
		return true
	case owner == p.ID:
		return true
	default:
		return IsElevated(p.Role)
	}
}

// CanLaunchImage reports whether p may create a container from an image with
// the given metadata: private images need owner-or-elevated, and the access
// level must admit the caller's role.
func CanLaunchImage(p schema.Principal, meta schema.ImageMeta) bool {
	if meta.Visibility == schema.VisibilityPrivate && meta.Owner() != p.ID && !IsElevated(p.Role) {
		return false
	}
	return CanAccessImage(p.Role, meta.EffectiveAccessLevel())
}

// CanDeleteImage reports whether p may remove an image with the given metadata.
func CanDeleteImage(p schema.Principal, meta schema.ImageMeta) bool {
	return IsElevated(p.Role) || (meta.OwnerID != "" && meta.OwnerID == p.ID)
}

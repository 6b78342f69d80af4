package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultTag is assumed for image references without an explicit tag.
const DefaultTag = "latest"

var imageNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-.:/]+$`)

// ValidateImageName checks a build target against the allowed charset
// (letters, digits and _-.:/).
func ValidateImageName(name string) error {
	if !imageNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid image name %q", ErrInvalidInput, name)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, ":") {
		return fmt.Errorf("%w: invalid image name %q", ErrInvalidInput, name)
	}
	return nil
}

// SplitRepoTag splits a repository tag on its last colon. A colon that belongs
// to a registry host (followed by a path) does not start a tag.
func SplitRepoTag(ref string) (name, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 || strings.Contains(ref[idx+1:], "/") {
		return ref, DefaultTag
	}
	name, tag = ref[:idx], ref[idx+1:]
	if tag == "" {
		tag = DefaultTag
	}
	return name, tag
}

// NormalizeImageRef returns ref as name:tag, appending the default tag when absent.
func NormalizeImageRef(ref string) string {
	name, tag := SplitRepoTag(strings.TrimSpace(ref))
	return name + ":" + tag
}

// ValidateUsername ensures a username is non-empty and free of surrounding space
// and control characters.
func ValidateUsername(username string) error {
	if username == "" || strings.TrimSpace(username) != username {
		return fmt.Errorf("%w: invalid username", ErrInvalidInput)
	}
	for _, r := range username {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: invalid username", ErrInvalidInput)
		}
	}
	return nil
}

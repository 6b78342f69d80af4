package repo

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"pkt.systems/berth/schema"
)

var scpLike = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[^/\\][^\\]*$`)

// ValidateCloneURL accepts http(s), ssh and scp-style git URLs. Local paths,
// file:// and other transports, and values git could read as options are
// rejected with schema.ErrInvalidInput.
func ValidateCloneURL(raw string) (string, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return "", fmt.Errorf("%w: repository url is required", schema.ErrInvalidInput)
	}
	if strings.HasPrefix(input, "-") {
		return "", fmt.Errorf("%w: repository url must not start with '-'", schema.ErrInvalidInput)
	}
	if strings.ContainsAny(input, " \t\r\n") {
		return "", fmt.Errorf("%w: repository url must not contain whitespace", schema.ErrInvalidInput)
	}
	if !strings.Contains(input, "://") {
		if scpLike.MatchString(input) {
			return input, nil
		}
		return "", fmt.Errorf("%w: unsupported repository url %q", schema.ErrInvalidInput, input)
	}
	parsed, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidInput, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "ssh":
	default:
		return "", fmt.Errorf("%w: unsupported repository scheme %q", schema.ErrInvalidInput, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: repository url has no host", schema.ErrInvalidInput)
	}
	if strings.HasPrefix(parsed.Hostname(), "-") {
		return "", fmt.Errorf("%w: repository host must not start with '-'", schema.ErrInvalidInput)
	}
	if strings.Trim(parsed.Path, "/") == "" {
		return "", fmt.Errorf("%w: repository url has no path", schema.ErrInvalidInput)
	}
	return input, nil
}

// RedactURL masks credentials embedded in an http(s) or ssh clone URL so it
// can be logged or stored. A bare user on http(s) is masked too, since hosts
// accept an access token in that position. scp-style addresses carry no
// secret and are returned unchanged.
func RedactURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, hasPassword := parsed.User.Password(); !hasPassword {
		switch strings.ToLower(parsed.Scheme) {
		case "http", "https":
			parsed.User = url.User("xxxxx")
		}
		return parsed.String()
	}
	return parsed.Redacted()
}

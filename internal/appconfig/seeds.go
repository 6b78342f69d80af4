package appconfig

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/berth/schema"
)

// SeedRecords converts the configured seed users into store records with
// fresh ids.
func (a AuthConfig) SeedRecords() ([]schema.User, error) {
	out := make([]schema.User, 0, len(a.SeedUsers))
	seen := map[string]struct{}{}
	for i, seed := range a.SeedUsers {
		name := strings.TrimSpace(seed.Username)
		if err := schema.ValidateUsername(name); err != nil {
			return nil, fmt.Errorf("auth.seed_users[%d]: %w", i, err)
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("auth.seed_users[%d]: duplicate username %q", i, name)
		}
		seen[name] = struct{}{}
		if seed.PasswordHash == "" && seed.Password == "" {
			return nil, fmt.Errorf("auth.seed_users[%d]: password_hash or password is required", i)
		}
		role := schema.Role(seed.Role)
		if role == "" {
			role = schema.RoleFree
		}
		if !role.Valid() {
			return nil, fmt.Errorf("auth.seed_users[%d]: unknown role %q", i, seed.Role)
		}
		containers := seed.ContainerLimit
		if containers <= 0 {
			containers = a.DefaultContainerLimit
		}
		images := seed.ImageLimit
		if images <= 0 {
			images = a.DefaultImageLimit
		}
		out = append(out, schema.User{
			ID:             schema.UserID(uuid.NewString()),
			Username:       name,
			PasswordHash:   seed.PasswordHash,
			Password:       seed.Password,
			Role:           role,
			ContainerLimit: containers,
			ImageLimit:     images,
		})
	}
	return out, nil
}

// HasPlaintextSeeds reports whether any seed carries a legacy plaintext
// password.
func (a AuthConfig) HasPlaintextSeeds() bool {
	for _, seed := range a.SeedUsers {
		if seed.PasswordHash == "" && seed.Password != "" {
			return true
		}
	}
	return false
}

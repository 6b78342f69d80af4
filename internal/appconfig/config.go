package appconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig   `mapstructure:"store" yaml:"store"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Runtime       RuntimeConfig `mapstructure:"runtime" yaml:"runtime"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path defaults to <state_dir>/berth.json or <state_dir>/berth.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// AuthConfig configures credentials, tokens, default quotas and seed users.
type AuthConfig struct {
	JWTSecret             string     `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTLHours         int        `mapstructure:"token_ttl_hours" yaml:"token_ttl_hours"`
	BcryptCost            int        `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost"`
	MinPasswordLength     int        `mapstructure:"min_password_length" yaml:"min_password_length"`
	DefaultContainerLimit int        `mapstructure:"default_container_limit" yaml:"default_container_limit"`
	DefaultImageLimit     int        `mapstructure:"default_image_limit" yaml:"default_image_limit"`
	SeedUsers             []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// TokenTTL returns the token lifetime.
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLHours) * time.Hour
}

// SeedUser seeds a user record when the store holds no users. Password is a
// legacy plaintext credential that is replaced by a hash on first login.
type SeedUser struct {
	Username       string `mapstructure:"username" yaml:"username"`
	PasswordHash   string `mapstructure:"password_hash" yaml:"password_hash,omitempty"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`
	Role           string `mapstructure:"role" yaml:"role"`
	ContainerLimit int    `mapstructure:"container_limit" yaml:"container_limit"`
	ImageLimit     int    `mapstructure:"image_limit" yaml:"image_limit"`
}

// RuntimeConfig configures the container engine and builds.
type RuntimeConfig struct {
	Driver              string            `mapstructure:"driver" yaml:"driver"`
	Docker              DockerConfig      `mapstructure:"docker" yaml:"docker"`
	Containerd          ContainerdConfig  `mapstructure:"containerd" yaml:"containerd"`
	BuildKit            BuildKitConfig    `mapstructure:"buildkit" yaml:"buildkit"`
	BuildDir            string            `mapstructure:"build_dir" yaml:"build_dir"`
	BuildTimeoutMinutes int               `mapstructure:"build_timeout_minutes" yaml:"build_timeout_minutes"`
	PullTimeoutMinutes  int               `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	LogTailLines        int               `mapstructure:"log_tail_lines" yaml:"log_tail_lines"`
	StopTimeoutSeconds  int               `mapstructure:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
	MemoryLimitMB       int               `mapstructure:"memory_limit_mb" yaml:"memory_limit_mb"`
	Labels              map[string]string `mapstructure:"labels" yaml:"labels"`
}

// DockerConfig configures the Docker Engine endpoint.
type DockerConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	APIVersion string `mapstructure:"api_version" yaml:"api_version"`
}

// ContainerdConfig configures the containerd runtime endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// BuildKitConfig configures the BuildKit endpoint used with containerd.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr      string          `mapstructure:"addr" yaml:"addr"`
	BasePath  string          `mapstructure:"base_path" yaml:"base_path"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Metrics   bool            `mapstructure:"metrics" yaml:"metrics"`
	// TrustedProxies lists peer addresses or CIDRs whose X-Forwarded-For
	// header is believed when charging the rate limiter.
	TrustedProxies []string   `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
	CORS           CORSConfig `mapstructure:"cors" yaml:"cors"`
}

// CORSConfig controls cross-origin browser access. "*" allows any origin and
// an empty list turns CORS handling off.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (h HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, entry := range h.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("http.trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("http.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// RateLimitConfig allows Requests per client address per window.
type RateLimitConfig struct {
	Requests      int `mapstructure:"requests" yaml:"requests"`
	WindowMinutes int `mapstructure:"window_minutes" yaml:"window_minutes"`
}

// Window returns the rate limit window.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// DefaultConfig returns a config with sensible defaults. The JWT secret is
// random, so tokens do not survive a restart unless the secret is persisted
// (config init writes it out).
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	secret, err := randomSecret()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".berth", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Store: StoreConfig{
			Driver: "file",
			Path:   "",
		},
		Auth: AuthConfig{
			JWTSecret:             secret,
			TokenTTLHours:         24,
			BcryptCost:            10,
			MinPasswordLength:     3,
			DefaultContainerLimit: 5,
			DefaultImageLimit:     1,
			SeedUsers: []SeedUser{
				{
					Username:       "admin",
					Password:       "admin",
					Role:           "admin",
					ContainerLimit: 100,
					ImageLimit:     100,
				},
			},
		},
		Runtime: RuntimeConfig{
			Driver: "docker",
			Docker: DockerConfig{
				Address:    "unix:///var/run/docker.sock",
				APIVersion: "v1.43",
			},
			Containerd: ContainerdConfig{
				Address:   "unix:///run/containerd/containerd.sock",
				Namespace: "berth",
			},
			BuildKit: BuildKitConfig{
				Address: "",
			},
			BuildDir:            filepath.Join(stateDir, "builds"),
			BuildTimeoutMinutes: 20,
			PullTimeoutMinutes:  5,
			LogTailLines:        200,
			StopTimeoutSeconds:  10,
			MemoryLimitMB:       0,
			Labels:              map[string]string{},
		},
		HTTP: HTTPConfig{
			Addr:     ":5000",
			BasePath: "",
			RateLimit: RateLimitConfig{
				Requests:      300,
				WindowMinutes: 15,
			},
			Metrics:        true,
			TrustedProxies: []string{},
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
			},
		},
	}, nil
}

// StorePath returns the configured store path or the driver's default under
// the state dir.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Driver == "bolt" {
		return filepath.Join(c.StateDir, "berth.db")
	}
	return filepath.Join(c.StateDir, "berth.json")
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".berth", "config.yaml"), nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

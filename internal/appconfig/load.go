package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/berth/schema"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("auth.jwt_secret", cfg.Auth.JWTSecret)
	v.SetDefault("auth.token_ttl_hours", cfg.Auth.TokenTTLHours)
	v.SetDefault("auth.bcrypt_cost", cfg.Auth.BcryptCost)
	v.SetDefault("auth.min_password_length", cfg.Auth.MinPasswordLength)
	v.SetDefault("auth.default_container_limit", cfg.Auth.DefaultContainerLimit)
	v.SetDefault("auth.default_image_limit", cfg.Auth.DefaultImageLimit)
	v.SetDefault("auth.seed_users", cfg.Auth.SeedUsers)
	v.SetDefault("runtime.driver", cfg.Runtime.Driver)
	v.SetDefault("runtime.docker.address", cfg.Runtime.Docker.Address)
	v.SetDefault("runtime.docker.api_version", cfg.Runtime.Docker.APIVersion)
	v.SetDefault("runtime.containerd.address", cfg.Runtime.Containerd.Address)
	v.SetDefault("runtime.containerd.namespace", cfg.Runtime.Containerd.Namespace)
	v.SetDefault("runtime.buildkit.address", cfg.Runtime.BuildKit.Address)
	v.SetDefault("runtime.build_dir", "")
	v.SetDefault("runtime.build_timeout_minutes", cfg.Runtime.BuildTimeoutMinutes)
	v.SetDefault("runtime.pull_timeout_minutes", cfg.Runtime.PullTimeoutMinutes)
	v.SetDefault("runtime.log_tail_lines", cfg.Runtime.LogTailLines)
	v.SetDefault("runtime.stop_timeout_seconds", cfg.Runtime.StopTimeoutSeconds)
	v.SetDefault("runtime.memory_limit_mb", cfg.Runtime.MemoryLimitMB)
	v.SetDefault("runtime.labels", cfg.Runtime.Labels)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.rate_limit.requests", cfg.HTTP.RateLimit.Requests)
	v.SetDefault("http.rate_limit.window_minutes", cfg.HTTP.RateLimit.WindowMinutes)
	v.SetDefault("http.metrics", cfg.HTTP.Metrics)
	v.SetDefault("http.trusted_proxies", cfg.HTTP.TrustedProxies)
	v.SetDefault("http.cors.allowed_origins", cfg.HTTP.CORS.AllowedOrigins)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.InConfig("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if cfg.Runtime.BuildDir == "" {
		cfg.Runtime.BuildDir = filepath.Join(cfg.StateDir, "builds")
	}
	cfg.HTTP.BasePath = normalizeBasePath(cfg.HTTP.BasePath)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a loaded configuration.
func Validate(cfg Config) error {
	switch cfg.Store.Driver {
	case "file", "bolt":
	default:
		return fmt.Errorf("unsupported store.driver %q (want file or bolt)", cfg.Store.Driver)
	}
	switch cfg.Runtime.Driver {
	case "docker":
		if strings.TrimSpace(cfg.Runtime.Docker.Address) == "" {
			return fmt.Errorf("runtime.docker.address is required for the docker driver")
		}
	case "containerd":
		if strings.TrimSpace(cfg.Runtime.Containerd.Address) == "" {
			return fmt.Errorf("runtime.containerd.address is required for the containerd driver")
		}
		if strings.TrimSpace(cfg.Runtime.Containerd.Namespace) == "" {
			return fmt.Errorf("runtime.containerd.namespace is required for the containerd driver")
		}
	default:
		return fmt.Errorf("unsupported runtime.driver %q (want docker or containerd)", cfg.Runtime.Driver)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if cfg.Auth.TokenTTLHours <= 0 {
		return fmt.Errorf("auth.token_ttl_hours must be positive")
	}
	if cfg.Auth.BcryptCost != 0 && (cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31) {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}
	for i, seed := range cfg.Auth.SeedUsers {
		if seed.Role != "" && !schema.Role(seed.Role).Valid() {
			return fmt.Errorf("auth.seed_users[%d]: unknown role %q", i, seed.Role)
		}
	}
	if cfg.Runtime.LogTailLines <= 0 {
		return fmt.Errorf("runtime.log_tail_lines must be positive")
	}
	if cfg.Runtime.BuildTimeoutMinutes <= 0 {
		return fmt.Errorf("runtime.build_timeout_minutes must be positive")
	}
	if cfg.HTTP.RateLimit.Requests <= 0 || cfg.HTTP.RateLimit.WindowMinutes <= 0 {
		return fmt.Errorf("http.rate_limit requests and window_minutes must be positive")
	}
	if _, err := cfg.HTTP.TrustedProxyPrefixes(); err != nil {
		return err
	}
	for i, origin := range cfg.HTTP.CORS.AllowedOrigins {
		if origin != "*" && !strings.Contains(origin, "://") {
			return fmt.Errorf("http.cors.allowed_origins[%d]: %q must be \"*\" or a scheme://host origin", i, origin)
		}
	}
	return validateBasePath(cfg.HTTP.BasePath)
}

func validateBasePath(basePath string) error {
	if basePath == "" {
		return nil
	}
	if strings.Contains(basePath, "://") {
		return fmt.Errorf("http.base_path must be a path prefix, not a URL")
	}
	if strings.ContainsAny(basePath, "?# ") {
		return fmt.Errorf("http.base_path must not include query, fragment or spaces")
	}
	if !strings.HasPrefix(basePath, "/") {
		return fmt.Errorf("http.base_path must start with '/'")
	}
	return nil
}

func normalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "/" {
		return ""
	}
	return strings.TrimRight(basePath, "/")
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Runtime.Docker.Address = expandEnv(cfg.Runtime.Docker.Address)
	cfg.Runtime.Containerd.Address = expandEnv(cfg.Runtime.Containerd.Address)
	cfg.Runtime.BuildKit.Address = expandEnv(cfg.Runtime.BuildKit.Address)
	cfg.Runtime.BuildDir = expandEnv(cfg.Runtime.BuildDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Redacted returns a copy of cfg with credentials masked.
func Redacted(cfg Config) Config {
	const mask = "<redacted>"
	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = mask
	}
	seeds := make([]SeedUser, len(cfg.Auth.SeedUsers))
	for i, seed := range cfg.Auth.SeedUsers {
		if seed.Password != "" {
			seed.Password = mask
		}
		if seed.PasswordHash != "" {
			seed.PasswordHash = mask
		}
		seeds[i] = seed
	}
	cfg.Auth.SeedUsers = seeds
	return cfg
}

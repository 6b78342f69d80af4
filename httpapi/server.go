package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/berth/core"
	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/internal/metrics"
	"pkt.systems/berth/schema"
)

const maxBodyBytes = 1 << 20

// Authenticator covers credential exchange, token verification and user
// administration.
type Authenticator interface {
	Register(ctx context.Context, username, password string) (schema.AuthResponse, error)
	Login(ctx context.Context, username, password string) (schema.AuthResponse, error)
	ChangePassword(ctx context.Context, p schema.Principal, newPassword string) error
	Verify(token string) (schema.Principal, error)
	ListUsers(ctx context.Context, p schema.Principal) ([]schema.User, error)
	UpdateUser(ctx context.Context, p schema.Principal, id schema.UserID, update schema.UserUpdate) (schema.User, error)
	DeleteUser(ctx context.Context, p schema.Principal, id schema.UserID) error
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	service  core.Service
	auth     Authenticator
	metrics  *metrics.Metrics
	limiter  *clientLimiter
	basePath string
}

// NewServer constructs an HTTP server. m may be nil.
func NewServer(cfg Config, service core.Service, authn Authenticator, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		auth:     authn,
		metrics:  m,
		limiter:  newClientLimiter(cfg.RateLimit, cfg.TrustedProxies, m),
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.Metrics && s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /api/register", s.limited(s.handleRegister))
	mux.HandleFunc("POST /api/login", s.limited(s.handleLogin))
	mux.HandleFunc("POST /api/change-password", s.limited(s.requireAuth(s.handleChangePassword)))

	mux.HandleFunc("GET /api/containers", s.limited(s.requireAuth(s.handleListContainers)))
	mux.HandleFunc("POST /api/containers", s.limited(s.requireAuth(s.handleCreateContainer)))
	mux.HandleFunc("POST /api/containers/{id}/{action}", s.limited(s.requireAuth(s.handleContainerAction)))
	mux.HandleFunc("GET /api/containers/{id}/logs", s.limited(s.requireAuth(s.handleContainerLogs)))

	mux.HandleFunc("GET /api/images", s.limited(s.requireAuth(s.handleListImages)))
	mux.HandleFunc("DELETE /api/images/{ref...}", s.limited(s.requireAuth(s.handleDeleteImage)))
	mux.HandleFunc("POST /api/images/prune", s.limited(s.requireAuth(s.handlePruneImages)))
	mux.HandleFunc("GET /api/meta", s.limited(s.requireAuth(s.handleGetMeta)))
	mux.HandleFunc("POST /api/meta", s.limited(s.requireAuth(s.handleSaveMeta)))
	mux.HandleFunc("GET /api/configs", s.limited(s.requireAuth(s.handleGetConfigs)))
	mux.HandleFunc("POST /api/configs", s.limited(s.requireAuth(s.handleSaveConfigs)))
	mux.HandleFunc("POST /api/build", s.limited(s.requireAuth(s.handleBuild)))

	mux.HandleFunc("GET /api/system", s.limited(s.requireAuth(s.handleSystem)))
	mux.HandleFunc("GET /api/admin/users", s.limited(s.requireAuth(s.handleListUsers)))
	mux.HandleFunc("POST /api/admin/users/{id}/update", s.limited(s.requireAuth(s.handleUpdateUser)))
	mux.HandleFunc("DELETE /api/admin/users/{id}", s.limited(s.requireAuth(s.handleDeleteUser)))

	handler := withRequestLogging(mux, s.lookupPrincipal, s.metrics)
	if s.basePath != "" {
		handler = s.mountBasePath(handler)
	}
	return withSecurityHeaders(withCORS(handler, s.cfg.CORSOrigins))
}

func (s *Server) mountBasePath(handler http.Handler) http.Handler {
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return s.limiter.wrap(next)
}

// requireAuth verifies the bearer token and hands the principal to next. The
// role comes from the token; a changed role applies from the next login.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, schema.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := bearerToken(r)
		if token == "" {
			log.Warn("http auth missing")
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		principal, err := s.auth.Verify(token)
		if err != nil {
			log.Warn("http auth invalid", "err", err)
			writeError(w, statusFor(err), errors.New("invalid or expired token"))
			return
		}
		log = log.With("user", principal.ID)
		ctx := logx.ContextWithUserLogger(r.Context(), log, principal.ID)
		next(w, r.WithContext(ctx), principal)
	}
}

func (s *Server) lookupPrincipal(r *http.Request) schema.UserID {
	if s == nil || r == nil || s.auth == nil {
		return ""
	}
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	principal, err := s.auth.Verify(token)
	if err != nil {
		return ""
	}
	return principal.ID
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", schema.ErrInvalidInput)
		}
		if errors.Is(err, schema.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: %v", schema.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

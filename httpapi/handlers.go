package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/schema"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload schema.CredentialsRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "register decode", err)
		return
	}
	log = log.With("username", payload.Username)
	resp, err := s.auth.Register(r.Context(), payload.Username, payload.Password)
	s.metrics.Auth("register", err)
	if err != nil {
		writeServiceError(w, log, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http register ok", "user", resp.ID)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload schema.CredentialsRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "login decode", err)
		return
	}
	log = log.With("username", payload.Username)
	resp, err := s.auth.Login(r.Context(), payload.Username, payload.Password)
	s.metrics.Auth("login", err)
	if err != nil {
		// An unknown username is reported like any other failed login.
		if errors.Is(err, schema.ErrNotFound) {
			log.Warn("http login failed", "err", err)
			writeError(w, http.StatusUnauthorized, errors.New("user not found"))
			return
		}
		writeServiceError(w, log, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http login ok", "user", resp.ID, "migrated", resp.Migrated)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	log := logx.Ctx(r.Context())
	var payload schema.ChangePasswordRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "change password decode", err)
		return
	}
	err := s.auth.ChangePassword(r.Context(), p, payload.NewPassword)
	s.metrics.Auth("change_password", err)
	if err != nil {
		writeServiceError(w, log, "change password", err)
		return
	}
	writeJSON(w, http.StatusOK, schema.SuccessResponse{Success: true})
	log.Info("http change password ok")
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	containers, err := s.service.ListContainers(r.Context(), p)
	if err != nil {
		writeServiceError(w, logx.Ctx(r.Context()), "containers list", err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	log := logx.Ctx(r.Context())
	var payload schema.CreateContainerRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "containers create decode", err)
		return
	}
	resp, err := s.service.CreateContainer(r.Context(), p, payload)
	if err != nil {
		writeServiceError(w, log, "containers create", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	id := r.PathValue("id")
	action := schema.ContainerAction(r.PathValue("action"))
	resp, err := s.service.ContainerAction(r.Context(), p, id, action)
	if err != nil {
		writeServiceError(w, logx.WithContainer(logx.Ctx(r.Context()), id), "containers "+string(action), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	id := r.PathValue("id")
	text, err := s.service.ContainerLogs(r.Context(), p, id)
	if err != nil {
		writeServiceError(w, logx.WithContainer(logx.Ctx(r.Context()), id), "containers logs", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	images, err := s.service.ListImages(r.Context(), p)
	if err != nil {
		writeServiceError(w, logx.Ctx(r.Context()), "images list", err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	ref := strings.TrimSpace(r.PathValue("ref"))
	if err := s.service.DeleteImage(r.Context(), p, ref); err != nil {
		writeServiceError(w, logx.WithImage(logx.Ctx(r.Context()), ref), "images delete", err)
		return
	}
	writeJSON(w, http.StatusOK, schema.SuccessResponse{Success: true})
}

func (s *Server) handlePruneImages(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	resp, err := s.service.PruneImages(r.Context(), p)
	if err != nil {
		writeServiceError(w, logx.Ctx(r.Context()), "images prune", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	metas, err := s.service.ImageMeta(r.Context(), p)
	if err != nil {
		writeServiceError(w, logx.Ctx(r.Context()), "meta get", err)
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleSaveMeta(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	log := logx.Ctx(r.Context())
	var payload schema.SaveMetaRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "meta save decode", err)
		return
	}
	meta, err := s.service.SaveImageMeta(r.Context(), p, payload)
	if err != nil {
		writeServiceError(w, logx.WithImage(log, payload.ID), "meta save", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "meta": meta})
}

func (s *Server) handleGetConfigs(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	cfg, err := s.service.UserConfig(r.Context(), p)
	if err != nil {
		writeServiceError(w, logx.Ctx(r.Context()), "configs get", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSaveConfigs(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	log := logx.Ctx(r.Context())
	var payload schema.UserConfig
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "configs save decode", err)
		return
	}
	if err := s.service.SaveUserConfig(r.Context(), p, payload); err != nil {
		writeServiceError(w, log, "configs save", err)
		return
	}
	writeJSON(w, http.StatusOK, schema.SuccessResponse{Success: true})
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	stats, err := s.service.SystemStats(r.Context(), p)
	if err != nil {
		writeServiceError(w, logx.Ctx(r.Context()), "system", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	users, err := s.auth.ListUsers(r.Context(), p)
	if err != nil {
		writeServiceError(w, logx.Ctx(r.Context()), "admin users", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	log := logx.Ctx(r.Context()).With("target", r.PathValue("id"))
	var payload schema.UserUpdate
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "admin user update decode", err)
		return
	}
	user, err := s.auth.UpdateUser(r.Context(), p, schema.UserID(r.PathValue("id")), payload)
	if err != nil {
		writeServiceError(w, log, "admin user update", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	log := logx.Ctx(r.Context()).With("target", r.PathValue("id"))
	if err := s.auth.DeleteUser(r.Context(), p, schema.UserID(r.PathValue("id"))); err != nil {
		writeServiceError(w, log, "admin user delete", err)
		return
	}
	writeJSON(w, http.StatusOK, schema.SuccessResponse{Success: true})
}

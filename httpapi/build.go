package httpapi

import (
	"encoding/json"
	"net/http"

	"pkt.systems/berth/internal/logx"
	"pkt.systems/berth/schema"
)

// handleBuild streams build progress as newline-delimited JSON. Until the
// first record is written, a failure is answered with a plain JSON error.
// The client going away does not stop the build.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request, p schema.Principal) {
	log := logx.Ctx(r.Context())
	var payload schema.BuildRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeServiceError(w, log, "build decode", err)
		return
	}
	session, err := s.service.StartBuild(r.Context(), p, payload)
	if err != nil {
		writeServiceError(w, logx.WithImage(log, payload.ImageName), "build", err)
		return
	}
	log = logx.WithImage(logx.WithBuild(log, session.ID(), ""), session.Image())
	flusher, _ := w.(http.Flusher)
	started := false
	writeFailed := false
	emit := func(record schema.BuildRecord) {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Build-Id", session.ID())
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if writeFailed {
			return
		}
		if _, err := w.Write(encodeBuildRecord(record)); err != nil {
			log.Debug("http build client gone", "err", err)
			writeFailed = true
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := session.Run(r.Context(), emit); err != nil && !started {
		writeServiceError(w, log, "build", err)
	}
}

func encodeBuildRecord(record schema.BuildRecord) []byte {
	if record.Raw != "" {
		return []byte(record.Raw + "\n")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return []byte("{}\n")
	}
	return append(data, '\n')
}

package serve

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Dicklesworthstone/ntmd/internal/spawn"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
)

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawn.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	req.ClientAddr = clientAddr(r)

	sess, err := s.spawner.Spawn(r.Context(), req)
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusCreated, map[string]any{
		"session": sess,
	}, requestIDFromContext(r.Context()))
}

// handleList waits briefly for startup recovery so reattached sessions are
// included. A list served before recovery finished says so.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	recovered := s.registry.WaitRecovered(r.Context(), s.cfg.ListWait)
	sessions := s.registry.List()
	if sessions == nil {
		sessions = []terminal.Session{}
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"sessions":  sessions,
		"count":     len(sessions),
		"recovered": recovered,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.registry.Get(id)
	if !ok {
		s.writeTerminalError(w, r, terminal.NotFoundError(id))
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"session": sess,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	force, err := boolQuery(r, "force")
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	if err := s.registry.Close(r.Context(), id, force); err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"id":     id,
		"forced": force,
	}, requestIDFromContext(r.Context()))
}

// InputRequest is the body of POST /terminals/{id}/input.
type InputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req InputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	if req.Data == "" {
		s.writeTerminalError(w, r, terminal.ValidationError("data", "input data is empty"))
		return
	}
	if err := s.registry.SendInput(r.Context(), id, []byte(req.Data)); err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"id":    id,
		"bytes": len(req.Data),
	}, requestIDFromContext(r.Context()))
}

// ResizeRequest is the body of POST /terminals/{id}/resize.
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ResizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	if err := s.registry.Resize(r.Context(), id, req.Cols, req.Rows); err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"id":   id,
		"cols": req.Cols,
		"rows": req.Rows,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lines, err := intQuery(r, "lines", defaultCaptureLines)
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	timeoutMS, err := intQuery(r, "timeout_ms", int(s.cfg.CaptureTimeout/time.Millisecond))
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	if lines <= 0 || timeoutMS <= 0 {
		s.writeTerminalError(w, r, terminal.ValidationError("capture", "lines and timeout_ms must be positive"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()
	out, err := s.registry.Capture(ctx, id, lines)
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"id":     id,
		"lines":  lines,
		"output": out,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	names, err := s.engine.DetectOrphans(r.Context())
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"orphans": names,
		"count":   len(names),
	}, requestIDFromContext(r.Context()))
}

// NamesRequest is the body of the bulk reattach and kill calls.
type NamesRequest struct {
	Names     []string `json:"names"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
}

func (s *Server) decodeNames(w http.ResponseWriter, r *http.Request) (NamesRequest, error) {
	var req NamesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return req, err
	}
	if len(req.Names) == 0 {
		return req, terminal.ValidationError("names", "at least one name is required")
	}
	if req.TimeoutMS < 0 {
		return req, terminal.ValidationError("timeout_ms", "must not be negative")
	}
	return req, nil
}

func (s *Server) handleReattachMany(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeNames(w, r)
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	result := s.engine.ReattachMany(r.Context(), req.Names)
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleReattach(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Reattach(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusCreated, map[string]any{
		"session": sess,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleKillMany(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeNames(w, r)
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	result := s.engine.KillMany(r.Context(), req.Names, time.Duration(req.TimeoutMS)*time.Millisecond)
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.Kill(r.Context(), name); err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"name": name,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeServiceUnavail,
			"status directory not configured", requestIDFromContext(r.Context()))
		return
	}
	q := r.URL.Query()
	res, err := s.status.Resolve(r.Context(), q.Get("cwd"), q.Get("session"))
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"status":  res.Status,
		"tier":    res.Tier,
		"record":  res.Record,
		"context": res.Context,
	}, requestIDFromContext(r.Context()))
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, ErrCodeServiceUnavail,
			"status directory not configured", requestIDFromContext(r.Context()))
		return
	}
	report, err := s.status.Cleanup(r.Context())
	if err != nil {
		s.writeTerminalError(w, r, err)
		return
	}
	writeSuccessResponse(w, http.StatusOK, map[string]any{
		"report": report,
	}, requestIDFromContext(r.Context()))
}

func boolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, terminal.ValidationError(key, "must be true or false")
	}
	return v, nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, terminal.ValidationError(key, "must be an integer")
	}
	return v, nil
}

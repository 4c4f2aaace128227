package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ledbar/internal/device"
	"ledbar/internal/engine"
)

const defaultHistoryLimit = 50

// commandResponse is the body of every mutating endpoint.
type commandResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Result  *engine.Result `json:"result,omitempty"`
}

func (s *Server) handleAPIGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	cfg, err := s.eng.Settings(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAPIPatchSettings(w http.ResponseWriter, r *http.Request) {
	var u engine.Update
	if !s.decode(w, r, &u) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := s.eng.Update(ctx, u)
	s.writeResult(w, res, err)
}

// handleAPIPutSettings replaces the whole document, channel list included.
func (s *Server) handleAPIPutSettings(w http.ResponseWriter, r *http.Request) {
	var cfg device.Config
	if !s.decode(w, r, &cfg) {
		return
	}
	if cfg.Channels == nil {
		s.writeJSON(w, http.StatusBadRequest, commandResponse{Error: "channels is required"})
		return
	}
	u := engine.Update{
		DeviceName:       &cfg.DeviceName,
		TimezoneOffset:   &cfg.TimezoneOffset,
		IRBrightnessUp:   &cfg.IRBrightnessUp,
		IRBrightnessDown: &cfg.IRBrightnessDown,
		ReplaceChannels:  cfg.Channels,
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := s.eng.Update(ctx, u)
	s.writeResult(w, res, err)
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := s.eng.Status(ctx)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type setChannelRequest struct {
	State      *bool `json:"state"`
	Brightness *int  `json:"brightness"`
	Toggle     bool  `json:"toggle"`
}

func (s *Server) handleAPISetChannel(w http.ResponseWriter, r *http.Request) {
	var req setChannelRequest
	if !s.decode(w, r, &req) {
		return
	}
	cmd := engine.ManualSet{
		ChannelID:  r.PathValue("id"),
		State:      req.State,
		Brightness: req.Brightness,
		Toggle:     req.Toggle,
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := s.eng.Manual(ctx, cmd)
	s.writeResult(w, res, err)
}

func (s *Server) handleAPIIR(w http.ResponseWriter, r *http.Request) {
	var cmd engine.IRCode
	if !s.decode(w, r, &cmd) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := s.eng.IR(ctx, cmd)
	s.writeResult(w, res, err)
}

func (s *Server) handleAPIMotion(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	res, err := s.eng.Motion(ctx)
	s.writeResult(w, res, err)
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	entries, err := s.history.ListHistory(limit)
	if err != nil {
		s.logger.Error("list history", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// decode reads a JSON body of at most 1 MiB. It writes the 400 itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, commandResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeResult maps a command outcome to a status code. A persistence failure
// is a 500 even though the change is already live.
func (s *Server) writeResult(w http.ResponseWriter, res engine.Result, err error) {
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if res.PersistErr != nil {
		s.writeJSON(w, http.StatusInternalServerError, commandResponse{
			Error:  "settings applied but not saved",
			Result: &res,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, commandResponse{Success: true, Result: &res})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("engine request failed", "err", err)
	}
	s.writeJSON(w, status, commandResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	var chErr *device.ChannelError
	switch {
	case errors.Is(err, engine.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, device.ErrDuplicateChannel),
		errors.Is(err, device.ErrEmptyChannelID),
		errors.Is(err, device.ErrInvalidTime),
		errors.As(err, &chErr):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

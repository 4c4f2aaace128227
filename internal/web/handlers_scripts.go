package web

import (
	"errors"
	"net/http"

	"ledbar/internal/automation"
)

// inlineScriptID runs the posted lua_code instead of a saved script.
const inlineScriptID = "_inline"

type apiError struct {
	Error string `json:"error"`
}

// scriptRequest is the body of create, update and inline run.
type scriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// scriptsEnabled writes a 501 when the binary has no automation support.
func (s *Server) scriptsEnabled(w http.ResponseWriter) bool {
	if s.scriptMgr == nil || s.autoEngine == nil {
		s.writeJSON(w, http.StatusNotImplemented, apiError{"automation not available"})
		return false
	}
	return true
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []*automation.Script{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

func (s *Server) handleAPICreateScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	var req scriptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeJSON(w, http.StatusBadRequest, apiError{"name is required"})
		return
	}

	script := &automation.Script{LuaCode: req.LuaCode}
	script.Meta.Name = req.Name
	script.Meta.Description = req.Description
	script.Meta.Enabled = req.Enabled
	s.saveScript(w, script, http.StatusCreated)
}

// handleAPIUpdateScript replaces a script's code and metadata. An empty name
// keeps the current one.
func (s *Server) handleAPIUpdateScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	var req scriptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name != "" {
		script.Meta.Name = req.Name
	}
	script.Meta.Description = req.Description
	script.Meta.Enabled = req.Enabled
	script.LuaCode = req.LuaCode
	s.saveScript(w, script, http.StatusOK)
}

func (s *Server) handleAPIToggleScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	s.saveScript(w, script, http.StatusOK)
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeScriptError(w, err)
		return
	}
	s.autoEngine.StopScript(id)
	s.writeJSON(w, http.StatusOK, commandResponse{Success: true})
}

func (s *Server) handleAPIRunScript(w http.ResponseWriter, r *http.Request) {
	if !s.scriptsEnabled(w) {
		return
	}
	id := r.PathValue("id")
	if id != inlineScriptID {
		if _, err := s.scriptMgr.Get(id); err != nil {
			s.writeScriptError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}

	var req scriptRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}

// saveScript writes the script and brings its VM in line with the enabled
// flag. A script that fails to start is still saved; the error is logged.
func (s *Server) saveScript(w http.ResponseWriter, script *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		s.writeScriptError(w, err)
		return
	}
	if saved.Meta.Enabled {
		if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
			s.logger.Warn("script failed to start", "id", saved.ID, "err", err)
		}
	} else {
		s.autoEngine.StopScript(saved.ID)
	}
	s.writeJSON(w, status, saved)
}

func (s *Server) writeScriptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeJSON(w, http.StatusNotFound, apiError{"script not found"})
	case errors.Is(err, automation.ErrInvalidScriptID):
		s.writeJSON(w, http.StatusBadRequest, apiError{"invalid script id"})
	default:
		s.logger.Error("scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, apiError{"internal server error"})
	}
}

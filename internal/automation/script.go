// Package automation runs user Lua scripts that react to channel events and
// drive channels through the engine.
package automation

import "errors"

var (
	// ErrScriptNotFound is returned when no script file has the given id.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidScriptID is returned for ids that are not a plain file stem.
	ErrInvalidScriptID = errors.New("invalid script id")
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script stored on disk.
type Script struct {
	ID       string     `json:"id"` // filename stem
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // source without the metadata line
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Package script defines the script document model shared by the engine,
// cache, registry and HTTP layer.
package script

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// LangLua is the only supported script language.
const LangLua = "lua"

// Execution contexts. The context decides which bindings a script sees and
// how its result is interpreted.
const (
	// ContextExecute runs a script ad-hoc and returns its value.
	ContextExecute = "execute"

	// ContextFilter evaluates a script against a document; the returned
	// value is interpreted as a boolean.
	ContextFilter = "filter"

	// ContextUpdate mutates a document source through the ctx binding.
	ContextUpdate = "update"

	// ContextIngest mutates an in-flight event inside a pipeline.
	ContextIngest = "ingest"
)

var (
	ErrUnsupportedLang = errors.New("unsupported script language")
	ErrEmptySource     = errors.New("script source is empty")
	ErrUnknownContext  = errors.New("unknown script context")
)

// Script is a script body as supplied by callers: inline in a request or as
// the payload of a stored script.
type Script struct {
	Lang   string                 `json:"lang"`
	Source string                 `json:"source"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Validate checks the script shape. It does not compile the source.
func (s Script) Validate() error {
	if s.Lang != "" && s.Lang != LangLua {
		return fmt.Errorf("%w: %q", ErrUnsupportedLang, s.Lang)
	}
	if s.Source == "" {
		return ErrEmptySource
	}
	return nil
}

// Normalized returns a copy with defaults applied.
func (s Script) Normalized() Script {
	if s.Lang == "" {
		s.Lang = LangLua
	}
	return s
}

// CacheKey returns the compiled-cache key for this script. Stored and inline
// scripts with identical language and source share a cache slot.
func (s Script) CacheKey() string {
	h := sha256.New()
	h.Write([]byte(s.Lang))
	h.Write([]byte{0})
	h.Write([]byte(s.Source))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ValidContext reports whether name is a known execution context.
func ValidContext(name string) bool {
	switch name {
	case ContextExecute, ContextFilter, ContextUpdate, ContextIngest:
		return true
	}
	return false
}

// Stored is a named script persisted in the registry.
type Stored struct {
	ID        string    `json:"id"`
	Script    Script    `json:"script"`
	Version   int64     `json:"version"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

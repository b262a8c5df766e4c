package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution: the module or its entry symbol does not exist.
	ErrResolution = errors.New("plugin resolution failed")
	// ErrContract: the symbol exists but cannot produce a Plugin.
	ErrContract = errors.New("plugin contract violation")
	// ErrInitialization: Initialize returned an error, panicked or timed out.
	ErrInitialization = errors.New("plugin initialization failed")
	// ErrHookExecution: a hook subscriber failed.
	ErrHookExecution = errors.New("hook execution failed")
	// ErrNotLoaded: the plugin has no live instance.
	ErrNotLoaded = errors.New("plugin not loaded")
	// ErrCallTimeout: a bounded contract call did not return in time.
	ErrCallTimeout = errors.New("plugin call timed out")
)

// Load stages reported by LoadError.
const (
	StageLookup     = "lookup"
	StageResolve    = "resolve"
	StageContract   = "contract"
	StageInitialize = "initialize"
	StageHooks      = "hooks"
)

// LoadError carries the stage a load failed at.
type LoadError struct {
	PluginID string
	Stage    string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.PluginID, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// PanicError is a recovered panic from plugin code.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// StackOf returns the captured stack if err wraps a PanicError.
func StackOf(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return pe.Stack
	}
	return ""
}

// Package errors provides typed errors for template rendering and hook
// execution, plus a thread-safe collector the supervisor uses to surface
// per-service failures through the gateway.
package errors

import (
	"fmt"
	"sync"
	"time"
)

// RenderError describes a failure while parsing or rendering a template.
type RenderError struct {
	Service   string
	Template  string
	Line      int
	Column    int
	Message   string
	Severity  Severity
	Timestamp time.Time
}

// Severity represents the severity of an error
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error implements the error interface
func (re *RenderError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s: %s", re.Template, re.Line, re.Column, re.Severity, re.Message)
}

// HookError describes a failed hook execution.
type HookError struct {
	Service  string
	Hook     string
	ExitCode int
	Output   string
}

// Error implements the error interface
func (he *HookError) Error() string {
	return fmt.Sprintf("hook %s for %s exited %d", he.Hook, he.Service, he.ExitCode)
}

// Collector collects render and general errors per service.
type Collector struct {
	renderErrors []RenderError
	errors       []error
	mutex        sync.RWMutex
}

// NewCollector creates a new error collector
func NewCollector() *Collector {
	return &Collector{
		renderErrors: make([]RenderError, 0),
		errors:       make([]error, 0),
	}
}

// Add adds a render error to the collector
func (c *Collector) Add(err RenderError) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	err.Timestamp = time.Now()
	c.renderErrors = append(c.renderErrors, err)
}

// AddError adds a general error to the collector
func (c *Collector) AddError(err error) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.errors = append(c.errors, err)
}

// RenderErrors returns a copy of all collected render errors.
func (c *Collector) RenderErrors() []RenderError {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]RenderError, len(c.renderErrors))
	copy(result, c.renderErrors)
	return result
}

// All returns every collected error, render errors first.
func (c *Collector) All() []error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	all := make([]error, 0, len(c.renderErrors)+len(c.errors))
	for i := range c.renderErrors {
		re := c.renderErrors[i]
		all = append(all, &re)
	}
	all = append(all, c.errors...)
	return all
}

// HasErrors returns true if there are any errors
func (c *Collector) HasErrors() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.renderErrors) > 0 || len(c.errors) > 0
}

// Clear clears all errors
func (c *Collector) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.renderErrors = c.renderErrors[:0]
	c.errors = c.errors[:0]
}

// ByService returns render errors recorded for a specific service.
func (c *Collector) ByService(service string) []RenderError {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var out []RenderError
	for _, err := range c.renderErrors {
		if err.Service == service {
			out = append(out, err)
		}
	}
	return out
}

// ByTemplate returns render errors recorded for a specific template.
func (c *Collector) ByTemplate(template string) []RenderError {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var out []RenderError
	for _, err := range c.renderErrors {
		if err.Template == template {
			out = append(out, err)
		}
	}
	return out
}

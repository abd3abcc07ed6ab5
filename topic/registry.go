// Package topic implements the Topic Registry (C6): a lookup table from
// service-task topic name to the Go function that performs the external
// work, grounded on the register/lookup shape of
// semantic.ActionRegistry in the teacher repo.
package topic

import (
	"fmt"
	"sync"

	"flow.evalgo.org/model"
)

// Context is the scoped view a Handler gets of the instance it runs
// against: its own node/token/instance identity and variable read/write
// through functions the Execution Core supplies (reads try the token's scope
// first, then the instance; writes land at instance scope for an ordinary
// service task and at the token's scope for a multi-instance iteration).
// A business error that should route to an error boundary event is returned
// via Fail.
type Context struct {
	InstanceURI string
	NodeURI     string
	TokenURI    string

	GetVariable func(name string) (string, bool)
	SetVariable func(name, value, datatype string) error
}

// Handler performs the external work bound to a topic. Returning a non-nil
// error from Fail (or simply returning one directly) is mapped by the
// Execution Core to an ErrorThrownEvent carrying the given error code.
type Handler func(ctx Context) error

// FailError is returned by a Handler to signal a business error that the
// Execution Core should route to the nearest matching error boundary
// event, rather than treat as an unexpected fault.
type FailError struct {
	Code    string
	Message string
}

func (e *FailError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Fail builds a FailError for a Handler to return.
func Fail(code, message string) error { return &FailError{Code: code, Message: message} }

// Registry maps topic names to Handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds topic to handler. Registering the same topic twice is an error.
func (r *Registry) Register(topicName string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[topicName]; exists {
		return fmt.Errorf("topic: handler for %q already registered", topicName)
	}
	r.handlers[topicName] = handler
	return nil
}

// MustRegister registers handler for topic and panics on error. Intended
// for service wiring at startup.
func (r *Registry) MustRegister(topicName string, handler Handler) {
	if err := r.Register(topicName, handler); err != nil {
		panic(err)
	}
}

// Unregister removes topic's handler, if any.
func (r *Registry) Unregister(topicName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, topicName)
}

// HasHandler reports whether topic has a registered handler.
func (r *Registry) HasHandler(topicName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[topicName]
	return exists
}

// Dispatch runs the handler bound to topic against ctx. A missing topic is
// reported as an E_UNKNOWN_TOPIC FailError, per spec.md §7, rather than a
// generic Go error, so the Execution Core can route it the same way it
// routes a handler-reported business failure.
func (r *Registry) Dispatch(topicName string, ctx Context) error {
	r.mu.RLock()
	handler, exists := r.handlers[topicName]
	r.mu.RUnlock()

	if !exists {
		return Fail(model.ErrUnknownTopic, fmt.Sprintf("no handler registered for topic %q", topicName))
	}
	return handler(ctx)
}

// Topics returns every registered topic name.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

var (
	defaultMu  sync.Mutex
	defaultReg = New()
)

// Default returns the package-level registry, mirroring
// semantic.DefaultRegistry's convenience-singleton pattern.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultReg
}

// ResetDefault replaces the package-level registry with a fresh, empty one.
// Intended for test isolation.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultReg = New()
}

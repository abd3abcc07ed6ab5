// Package instance implements Instance & Variables (C3): per-instance
// lifecycle state and a scoped variable namespace, with XSD-style type
// coercion mirroring original_source/rdfengine.py's ProcessContext.
package instance

import (
	"fmt"
	"strconv"
	"time"

	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/model"
	"github.com/google/uuid"
)

// Predicate names used on instance (and, when variable-scoped, token) subjects.
const (
	PredProcess        = "process"
	PredState          = "state"
	PredStartedAt      = "startedAt"
	PredCompletedAt    = "completedAt"
	PredParentToken    = "parentToken"
	predVariablePrefix = "variable:"
	predDatatypeSuffix = ":datatype"
	PredHasVariable    = "hasVariableName"
)

// Datatype constants, mirroring the XSD primitives named in spec.md §4.3.
const (
	XSDBoolean  = "boolean"
	XSDInteger  = "integer"
	XSDDecimal  = "decimal"
	XSDDouble   = "double"
	XSDString   = "string"
	XSDDateTime = "dateTime"
)

// Store provides Instance & Variables operations over a graphstore.Store.
type Store struct {
	graph *graphstore.Store
}

// New wraps graph with instance-level operations.
func New(graph *graphstore.Store) *Store {
	return &Store{graph: graph}
}

// CreateInstance mints a new instance URI, records its process and initial
// state, and binds any initial variables at instance scope.
func (s *Store) CreateInstance(processURI string, initialVariables map[string]string, parentTokenURI string) (string, error) {
	instanceURI := "instance/" + uuid.New().String()

	if err := s.graph.Set(instanceURI, PredProcess, processURI); err != nil {
		return "", fmt.Errorf("instance: set process: %w", err)
	}
	if err := s.graph.Set(instanceURI, PredState, string(model.InstanceActive)); err != nil {
		return "", fmt.Errorf("instance: set initial state: %w", err)
	}
	if err := s.graph.Set(instanceURI, PredStartedAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("instance: set startedAt: %w", err)
	}
	if parentTokenURI != "" {
		if err := s.graph.Set(instanceURI, PredParentToken, parentTokenURI); err != nil {
			return "", fmt.Errorf("instance: set parentToken: %w", err)
		}
	}
	for name, value := range initialVariables {
		if err := s.SetVariable(instanceURI, name, value, XSDString, ""); err != nil {
			return "", fmt.Errorf("instance: set initial variable %s: %w", name, err)
		}
	}
	return instanceURI, nil
}

// State returns instanceURI's current lifecycle state.
func (s *Store) State(instanceURI string) (model.InstanceState, error) {
	v, ok := s.graph.Value(instanceURI, PredState)
	if !ok {
		return "", fmt.Errorf("instance: %s has no state", instanceURI)
	}
	return model.InstanceState(v), nil
}

// SetState transitions instanceURI to state. reason is informational only;
// callers that need it audited publish an InstanceStateChangedEvent
// themselves (C3 holds no dependency on the event bus).
func (s *Store) SetState(instanceURI string, state model.InstanceState, reason string) error {
	if err := s.graph.Set(instanceURI, PredState, string(state)); err != nil {
		return fmt.Errorf("instance: set state: %w", err)
	}
	if state.IsTerminal() {
		if err := s.graph.Set(instanceURI, PredCompletedAt, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("instance: set completedAt: %w", err)
		}
	}
	return nil
}

// ParentToken returns the token URI of the parent instance's token that
// started this (subprocess) instance, if any.
func (s *Store) ParentToken(instanceURI string) (string, bool) {
	return s.graph.Value(instanceURI, PredParentToken)
}

func variableSubject(instanceURI, scopeTokenURI string) string {
	if scopeTokenURI != "" {
		return scopeTokenURI
	}
	return instanceURI
}

// SetVariable atomically replaces any prior binding of (instanceURI, name,
// scopeTokenURI) with value/datatype, per spec.md §4.3.
func (s *Store) SetVariable(instanceURI, name, value, datatype, scopeTokenURI string) error {
	subject := variableSubject(instanceURI, scopeTokenURI)
	if err := s.graph.Set(subject, predVariablePrefix+name, value); err != nil {
		return fmt.Errorf("instance: set variable %s: %w", name, err)
	}
	if datatype != "" {
		if err := s.graph.Set(subject, predVariablePrefix+name+predDatatypeSuffix, datatype); err != nil {
			return fmt.Errorf("instance: set variable %s datatype: %w", name, err)
		}
	}
	if err := s.graph.Add(subject, PredHasVariable, name); err != nil {
		return fmt.Errorf("instance: register variable name %s: %w", name, err)
	}
	return nil
}

// GetVariable resolves name, checking scopeTokenURI first (innermost scope)
// and falling back to the flat instance namespace, per spec.md §4.3.
func (s *Store) GetVariable(instanceURI, name, scopeTokenURI string) (string, bool) {
	if scopeTokenURI != "" {
		if v, ok := s.graph.Value(scopeTokenURI, predVariablePrefix+name); ok {
			return v, true
		}
	}
	return s.graph.Value(instanceURI, predVariablePrefix+name)
}

// SnapshotVariables returns every instance-scoped variable, coerced per its
// recorded datatype.
func (s *Store) SnapshotVariables(instanceURI string) (map[string]any, error) {
	names, err := s.graph.Triples(graphstore.Pattern{Subject: instanceURI, Predicate: PredHasVariable})
	if err != nil {
		return nil, fmt.Errorf("instance: list variables: %w", err)
	}
	out := make(map[string]any, len(names))
	for _, t := range names {
		raw, ok := s.graph.Value(instanceURI, predVariablePrefix+t.Object)
		if !ok {
			continue
		}
		datatype, _ := s.graph.Value(instanceURI, predVariablePrefix+t.Object+predDatatypeSuffix)
		coerced, err := Coerce(raw, datatype)
		if err != nil {
			coerced = raw
		}
		out[t.Object] = coerced
	}
	return out, nil
}

// Coerce converts raw according to datatype, following XSD primitives;
// unknown datatypes are returned as strings (spec.md §4.3).
func Coerce(raw, datatype string) (any, error) {
	switch datatype {
	case XSDBoolean:
		return strconv.ParseBool(raw)
	case XSDInteger:
		return strconv.ParseInt(raw, 10, 64)
	case XSDDecimal, XSDDouble:
		return strconv.ParseFloat(raw, 64)
	case XSDDateTime:
		return time.Parse(time.RFC3339Nano, raw)
	default:
		return raw, nil
	}
}

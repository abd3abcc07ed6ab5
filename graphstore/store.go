// Package graphstore implements the engine's abstract triple store (C1) on
// top of Cayley with a BoltDB-backed quad store, the same combination the
// teacher repo uses in semantic.WorkflowGraph.
package graphstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cayleygraph/cayley"
	"github.com/cayleygraph/cayley/graph"
	_ "github.com/cayleygraph/cayley/graph/kv/bolt" // BoltDB backend
	"github.com/cayleygraph/quad"
	"github.com/cayleygraph/quad/nquads"
)

// Format names a quad serialization this store can read and write.
type Format string

// FormatNQuads is the only serialization currently supported, via Cayley's
// own quad/nquads reader and writer.
const FormatNQuads Format = "nquads"

// Triple is a materialized (subject, predicate, object) fact.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// Pattern selects triples by exact match on any non-empty field; an empty
// field is a wildcard.
type Pattern struct {
	Subject   string
	Predicate string
	Object    string
}

func (p Pattern) matches(t Triple) bool {
	if p.Subject != "" && p.Subject != t.Subject {
		return false
	}
	if p.Predicate != "" && p.Predicate != t.Predicate {
		return false
	}
	if p.Object != "" && p.Object != t.Object {
		return false
	}
	return true
}

// Store is the concurrency-safe handle onto the engine's RDF graph. Per
// spec.md §4.1, readers and writers may run concurrently as long as they
// touch disjoint instance subgraphs; the engine (not this package) is
// responsible for confining writes to one instance's lane at a time. This
// package only guards its own Cayley handle against concurrent Go-level
// access, which Cayley's bolt backend does not do on its own.
type Store struct {
	mu     sync.RWMutex
	handle *cayley.Handle
	path   string
}

// Open initializes (or reopens) the BoltDB-backed quad store at path.
func Open(path string) (*Store, error) {
	if err := graph.InitQuadStore("bolt", path, nil); err != nil && err != graph.ErrDatabaseExists {
		return nil, fmt.Errorf("graphstore: init quadstore: %w", err)
	}
	handle, err := cayley.NewGraph("bolt", path, nil)
	if err != nil {
		return nil, fmt.Errorf("graphstore: open quadstore: %w", err)
	}
	return &Store{handle: handle, path: path}, nil
}

// Close releases the underlying Bolt file.
func (s *Store) Close() error {
	return s.handle.Close()
}

// nodeValue decides whether a string is encoded as an RDF resource (IRI) or
// a plain literal. Every identifier in this engine's data model is a
// conventional URI-prefixed path (e.g. "instance/abc-123", "variable:amount")
// per spec.md §3, so the presence of a "/" or ":" is a reliable-enough signal that
// the string names a resource rather than a scalar value like "100.5" or
// "active".
func nodeValue(s string) quad.Value {
	if strings.Contains(s, "/") || strings.Contains(s, ":") {
		return quad.IRI(s)
	}
	return quad.String(s)
}

func nodeString(v quad.Value) string {
	switch t := v.(type) {
	case quad.IRI:
		return string(t)
	case quad.String:
		return string(t)
	default:
		return quad.ToString(v)
	}
}

// Add inserts a single triple. Duplicate Add calls are idempotent (Cayley
// quad sets are naturally deduplicated by the underlying store).
func (s *Store) Add(subject, predicate, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := quad.Make(nodeValue(subject), nodeValue(predicate), nodeValue(object), nil)
	return s.handle.AddQuad(q)
}

// Remove deletes every triple matching (subject, predicate, object); pass an
// empty object to remove all triples with that (subject, predicate) pair
// regardless of object, matching the "remove(s,p,o_or_nil)" contract.
func (s *Store) Remove(subject, predicate, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := s.scanLocked(Pattern{Subject: subject, Predicate: predicate, Object: object})
	if err != nil {
		return err
	}
	for _, m := range matches {
		q := quad.Make(nodeValue(m.Subject), nodeValue(m.Predicate), nodeValue(m.Object), nil)
		if err := s.handle.RemoveQuad(q); err != nil {
			return fmt.Errorf("graphstore: remove quad: %w", err)
		}
	}
	return nil
}

// Set replaces every (subject, predicate, *) triple with a single
// (subject, predicate, object) triple, per the C3/C4 "atomically replace
// prior binding" requirement in spec.md §4.3.
func (s *Store) Set(subject, predicate, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := s.scanLocked(Pattern{Subject: subject, Predicate: predicate})
	if err != nil {
		return err
	}
	for _, m := range matches {
		q := quad.Make(nodeValue(m.Subject), nodeValue(m.Predicate), nodeValue(m.Object), nil)
		if err := s.handle.RemoveQuad(q); err != nil {
			return fmt.Errorf("graphstore: remove prior binding: %w", err)
		}
	}
	return s.handle.AddQuad(quad.Make(nodeValue(subject), nodeValue(predicate), nodeValue(object), nil))
}

// Value returns the (arbitrary, first-seen) object bound to (subject,
// predicate), mirroring rdflib's Graph.value() used throughout
// original_source/rdfengine.py.
func (s *Store) Value(subject, predicate string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	p := cayley.StartPath(s.handle, nodeValue(subject)).Out(nodeValue(predicate))

	var found string
	var ok bool
	err := p.Iterate(ctx).EachValue(nil, func(v quad.Value) {
		if ok {
			return
		}
		found = nodeString(v)
		ok = true
	})
	if err != nil {
		return "", false
	}
	return found, ok
}

// Triples returns every triple matching pattern.
func (s *Store) Triples(pattern Pattern) ([]Triple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanLocked(pattern)
}

func (s *Store) scanLocked(pattern Pattern) ([]Triple, error) {
	ctx := context.Background()

	// When the subject is known, walking out from it is far cheaper than a
	// full scan; otherwise fall back to scanning every quad, as
	// semantic.WorkflowGraph.DumpGraph does in the teacher repo.
	if pattern.Subject != "" && pattern.Predicate != "" {
		p := cayley.StartPath(s.handle, nodeValue(pattern.Subject)).Out(nodeValue(pattern.Predicate))
		var out []Triple
		err := p.Iterate(ctx).EachValue(nil, func(v quad.Value) {
			t := Triple{Subject: pattern.Subject, Predicate: pattern.Predicate, Object: nodeString(v)}
			if pattern.matches(t) {
				out = append(out, t)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("graphstore: scan: %w", err)
		}
		return out, nil
	}

	it := s.handle.QuadsAllIterator()
	defer it.Close()

	var out []Triple
	for it.Next(ctx) {
		q := s.handle.Quad(it.Result())
		t := Triple{
			Subject:   nodeString(q.Subject),
			Predicate: nodeString(q.Predicate),
			Object:    nodeString(q.Object),
		}
		if pattern.matches(t) {
			out = append(out, t)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("graphstore: scan all: %w", err)
	}
	return out, nil
}

// Query runs a triple-pattern select with one or more variables (identified
// by a leading "?", e.g. "?flow") in subject/predicate/object position and
// returns one binding-map row per match. This is deliberately scoped to the
// single-free-variable-per-position patterns the engine's gateway and
// definition-index lookups actually need (see original_source/rdfengine.py's
// resolve_gateway, which runs exactly this shape of query); it is not a
// general SPARQL engine.
func (s *Store) Query(pattern Pattern) ([]map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fixed := Pattern{}
	vars := map[string]string{} // field name -> variable name, "?" stripped
	if isVar(pattern.Subject) {
		vars["subject"] = strings.TrimPrefix(pattern.Subject, "?")
	} else {
		fixed.Subject = pattern.Subject
	}
	if isVar(pattern.Predicate) {
		vars["predicate"] = strings.TrimPrefix(pattern.Predicate, "?")
	} else {
		fixed.Predicate = pattern.Predicate
	}
	if isVar(pattern.Object) {
		vars["object"] = strings.TrimPrefix(pattern.Object, "?")
	} else {
		fixed.Object = pattern.Object
	}

	triples, err := s.scanLocked(fixed)
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]string, 0, len(triples))
	for _, t := range triples {
		row := map[string]string{}
		if name, ok := vars["subject"]; ok {
			row[name] = t.Subject
		}
		if name, ok := vars["predicate"]; ok {
			row[name] = t.Predicate
		}
		if name, ok := vars["object"]; ok {
			row[name] = t.Object
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Ask reports whether at least one triple matches pattern, with bindings
// substituted for any "?name" placeholders. This mirrors the
// evaluate_sparql_condition ASK-query shape in original_source/rdfengine.py:
// truth is simply "does a matching triple exist".
func (s *Store) Ask(pattern Pattern, bindings map[string]string) (bool, error) {
	bound := Pattern{
		Subject:   substitute(pattern.Subject, bindings),
		Predicate: substitute(pattern.Predicate, bindings),
		Object:    substitute(pattern.Object, bindings),
	}
	rows, err := s.Query(bound)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Serialize dumps every triple in the store as a quad document in format,
// for process-definition export/import and instance snapshotting. The
// fourth (label/graph) quad position is always empty; this engine has no
// use for named graphs.
func (s *Store) Serialize(format Format) ([]byte, error) {
	if format != FormatNQuads {
		return nil, fmt.Errorf("graphstore: unsupported serialization format %q", format)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var buf bytes.Buffer
	w := nquads.NewWriter(&buf)
	ctx := context.Background()
	it := s.handle.QuadsAllIterator()
	defer it.Close()
	for it.Next(ctx) {
		if _, err := w.WriteQuad(s.handle.Quad(it.Result())); err != nil {
			return nil, fmt.Errorf("graphstore: serialize: %w", err)
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("graphstore: serialize: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("graphstore: serialize: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse loads every quad encoded in data (in format) into the store,
// additively — existing triples are untouched. This is the counterpart to
// Serialize, used to import a process definition document.
func (s *Store) Parse(data []byte, format Format) error {
	if format != FormatNQuads {
		return fmt.Errorf("graphstore: unsupported serialization format %q", format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := nquads.NewReader(bytes.NewReader(data), false)
	defer r.Close()
	for {
		q, err := r.ReadQuad()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("graphstore: parse: %w", err)
		}
		if err := s.handle.AddQuad(q); err != nil {
			return fmt.Errorf("graphstore: parse: add quad: %w", err)
		}
	}
}

func isVar(s string) bool {
	return strings.HasPrefix(s, "?")
}

func substitute(field string, bindings map[string]string) string {
	if !isVar(field) {
		return field
	}
	if v, ok := bindings[strings.TrimPrefix(field, "?")]; ok {
		return v
	}
	return field
}

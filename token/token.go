// Package token implements the Token Manager (C4): the unit of control flow
// that moves through a process instance's nodes, grounded on the
// token-record shape original_source/rdfengine.py keeps in its
// ProcessContext.tokens dict.
package token

import (
	"fmt"

	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/model"
	"github.com/google/uuid"
)

// Predicate names used on token subjects and on the instance's token membership set.
const (
	PredInstance  = "tokenInstance"
	PredNode      = "tokenNode"
	PredParent    = "tokenParent"
	PredLoopIndex = "tokenLoopIndex"
	PredState     = "tokenState"
	PredHasToken  = "hasToken"
)

// Token is a materialized token record.
type Token struct {
	URI        string
	Instance   string
	Node       string
	Parent     string
	LoopIndex  int
	State      model.TokenState
}

// Manager provides Token Manager operations over a graphstore.Store.
type Manager struct {
	graph *graphstore.Store
}

// New wraps graph with token-level operations.
func New(graph *graphstore.Store) *Manager {
	return &Manager{graph: graph}
}

// CreateToken mints a new token positioned at nodeURI and live, per spec.md §4.4.
func (m *Manager) CreateToken(instanceURI, nodeURI, parentTokenURI string, loopIndex int) (string, error) {
	tokenURI := "token/" + uuid.New().String()

	if err := m.graph.Set(tokenURI, PredInstance, instanceURI); err != nil {
		return "", fmt.Errorf("token: set instance: %w", err)
	}
	if err := m.graph.Set(tokenURI, PredNode, nodeURI); err != nil {
		return "", fmt.Errorf("token: set node: %w", err)
	}
	if err := m.graph.Set(tokenURI, PredState, string(model.TokenLive)); err != nil {
		return "", fmt.Errorf("token: set state: %w", err)
	}
	if parentTokenURI != "" {
		if err := m.graph.Set(tokenURI, PredParent, parentTokenURI); err != nil {
			return "", fmt.Errorf("token: set parent: %w", err)
		}
	}
	if loopIndex != 0 {
		if err := m.graph.Set(tokenURI, PredLoopIndex, fmt.Sprint(loopIndex)); err != nil {
			return "", fmt.Errorf("token: set loop index: %w", err)
		}
	}
	if err := m.graph.Add(instanceURI, PredHasToken, tokenURI); err != nil {
		return "", fmt.Errorf("token: register with instance: %w", err)
	}
	return tokenURI, nil
}

// MoveToken relocates tokenURI to targetNodeURI, keeping its state unchanged.
func (m *Manager) MoveToken(tokenURI, targetNodeURI string) error {
	if err := m.graph.Set(tokenURI, PredNode, targetNodeURI); err != nil {
		return fmt.Errorf("token: move: %w", err)
	}
	return nil
}

// Suspend marks tokenURI waiting (parked on a user task, receive task, or
// timer), distinct from live per spec.md §3's token state enum.
func (m *Manager) Suspend(tokenURI string) error {
	return m.setState(tokenURI, model.TokenWaiting)
}

// Resume marks a previously-waiting token live again, e.g. after its user
// task completes.
func (m *Manager) Resume(tokenURI string) error {
	return m.setState(tokenURI, model.TokenLive)
}

// ConsumeToken marks tokenURI consumed. Consumed tokens remain in the graph
// for audit/traceability but no longer count toward liveness.
func (m *Manager) ConsumeToken(tokenURI string) error {
	return m.setState(tokenURI, model.TokenConsumed)
}

func (m *Manager) setState(tokenURI string, state model.TokenState) error {
	if err := m.graph.Set(tokenURI, PredState, string(state)); err != nil {
		return fmt.Errorf("token: set state: %w", err)
	}
	return nil
}

// Get loads a token's full record.
func (m *Manager) Get(tokenURI string) (Token, error) {
	tok := Token{URI: tokenURI}
	var ok bool
	tok.Instance, ok = m.graph.Value(tokenURI, PredInstance)
	if !ok {
		return Token{}, fmt.Errorf("token: %s has no instance", tokenURI)
	}
	tok.Node, _ = m.graph.Value(tokenURI, PredNode)
	tok.Parent, _ = m.graph.Value(tokenURI, PredParent)
	if v, ok := m.graph.Value(tokenURI, PredState); ok {
		tok.State = model.TokenState(v)
	}
	if v, ok := m.graph.Value(tokenURI, PredLoopIndex); ok {
		fmt.Sscanf(v, "%d", &tok.LoopIndex)
	}
	return tok, nil
}

// TokensAt returns every token (any state) currently positioned at nodeURI
// within instanceURI, used for join-arrival bookkeeping.
func (m *Manager) TokensAt(instanceURI, nodeURI string) ([]Token, error) {
	return m.filterInstanceTokens(instanceURI, func(t Token) bool { return t.Node == nodeURI })
}

// LiveTokens returns every token in the live state for instanceURI. Per
// spec.md §9, waiting tokens (parked on a task/timer/receive) are
// deliberately excluded: instance completion is driven by zero live tokens
// AND no pending tasks/timers/receive-waits, not by token state alone.
func (m *Manager) LiveTokens(instanceURI string) ([]Token, error) {
	return m.filterInstanceTokens(instanceURI, func(t Token) bool { return t.State == model.TokenLive })
}

// AllTokens returns every token (any state) belonging to instanceURI.
func (m *Manager) AllTokens(instanceURI string) ([]Token, error) {
	return m.filterInstanceTokens(instanceURI, func(Token) bool { return true })
}

func (m *Manager) filterInstanceTokens(instanceURI string, keep func(Token) bool) ([]Token, error) {
	members, err := m.graph.Triples(graphstore.Pattern{Subject: instanceURI, Predicate: PredHasToken})
	if err != nil {
		return nil, fmt.Errorf("token: list instance tokens: %w", err)
	}
	var out []Token
	for _, t := range members {
		tok, err := m.Get(t.Object)
		if err != nil {
			return nil, err
		}
		if keep(tok) {
			out = append(out, tok)
		}
	}
	return out, nil
}

// ParentTokenURI returns tokenURI's parent token, used to walk the
// subprocess enclosure chain (e.g. for error-boundary resolution).
func (m *Manager) ParentTokenURI(tokenURI string) (string, bool) {
	return m.graph.Value(tokenURI, PredParent)
}

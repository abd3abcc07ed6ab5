// Package gateway implements the Gateway Evaluator (C7): condition
// evaluation and routing decisions for exclusive, inclusive, parallel, and
// event-based gateways, grounded on the evaluate_condition/resolve_gateway/
// evaluate_sparql_condition/handle_token_arrival functions in
// original_source/rdfengine.py.
package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/model"
)

// VariableLookup resolves a variable's raw value for condition evaluation.
// instance.Store satisfies this directly.
type VariableLookup interface {
	GetVariable(instanceURI, name, scopeTokenURI string) (string, bool)
}

// Evaluator evaluates flow conditions and resolves gateway routing.
type Evaluator struct {
	graph     *graphstore.Store
	variables VariableLookup
}

// New returns an Evaluator reading variables through variables and join
// bookkeeping through graph.
func New(graph *graphstore.Store, variables VariableLookup) *Evaluator {
	return &Evaluator{graph: graph, variables: variables}
}

// EvaluateCondition decides whether flow's condition is satisfied for the
// given instance/token. A flow with no condition at all is always taken
// (handled by the caller via DefaultFlow/unconditional flows, not here).
// Per the resolved Open Question in SPEC_FULL.md §9, when a condition
// carries both an ASK query and a structured operator, the ASK query wins.
func (e *Evaluator) EvaluateCondition(cond definition.Condition, instanceURI, tokenURI string) (bool, error) {
	if cond.HasAsk() {
		return e.graph.Ask(parseAskPattern(cond.AskQuery), map[string]string{"instance": instanceURI})
	}
	if cond.HasStructured() {
		raw, ok := e.variables.GetVariable(instanceURI, cond.Variable, tokenURI)
		if !ok {
			return false, fmt.Errorf("gateway: %w: variable %q unbound", errConditionEval, cond.Variable)
		}
		return compare(raw, cond.Value, cond.Operator)
	}
	return true, nil
}

var errConditionEval = fmt.Errorf(model.ErrConditionEvaluation)

// parseAskPattern interprets an ASK query string of the form
// "subject predicate object" (with "?instance" as a placeholder), the
// single shape this engine's condition loader ever writes. It deliberately
// does not attempt to parse general SPARQL ASK syntax (graphstore.Store.Ask
// is not a general SPARQL engine either).
func parseAskPattern(askQuery string) graphstore.Pattern {
	parts := strings.Fields(askQuery)
	p := graphstore.Pattern{}
	if len(parts) > 0 {
		p.Subject = parts[0]
	}
	if len(parts) > 1 {
		p.Predicate = parts[1]
	}
	if len(parts) > 2 {
		p.Object = parts[2]
	}
	return p
}

func compare(rawActual, rawExpected string, op model.Operator) (bool, error) {
	if actual, expected, ok := asFloats(rawActual, rawExpected); ok {
		switch op {
		case model.OpLT:
			return actual < expected, nil
		case model.OpLE:
			return actual <= expected, nil
		case model.OpEQ:
			return actual == expected, nil
		case model.OpNE:
			return actual != expected, nil
		case model.OpGE:
			return actual >= expected, nil
		case model.OpGT:
			return actual > expected, nil
		}
		return false, fmt.Errorf("gateway: %w: unknown operator %q", errConditionEval, op)
	}
	switch op {
	case model.OpEQ:
		return rawActual == rawExpected, nil
	case model.OpNE:
		return rawActual != rawExpected, nil
	default:
		return false, fmt.Errorf("gateway: %w: operator %q needs numeric operands, got %q/%q", errConditionEval, op, rawActual, rawExpected)
	}
}

func asFloats(a, b string) (float64, float64, bool) {
	af, err1 := strconv.ParseFloat(a, 64)
	bf, err2 := strconv.ParseFloat(b, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return af, bf, true
}

// ResolveExclusive picks the single flow to take out of gatewayURI: the
// first outgoing flow (in definition order) whose condition evaluates
// true, or the default flow if none do. Matches resolve_gateway's
// first-match semantics. A condition that fails to evaluate sends the token
// down the default flow, or is returned as an error when there is none.
func (e *Evaluator) ResolveExclusive(idx *definition.Index, gatewayURI, instanceURI, tokenURI string) (definition.Flow, error) {
	for _, flow := range idx.OutgoingFlows(gatewayURI) {
		if flow.IsDefault {
			continue
		}
		if flow.Condition == nil {
			return flow, nil
		}
		ok, err := e.EvaluateCondition(*flow.Condition, instanceURI, tokenURI)
		if err != nil {
			if def, hasDef := idx.DefaultFlow(gatewayURI); hasDef {
				return def, nil
			}
			return definition.Flow{}, err
		}
		if ok {
			return flow, nil
		}
	}
	if def, ok := idx.DefaultFlow(gatewayURI); ok {
		return def, nil
	}
	return definition.Flow{}, fmt.Errorf("gateway: %s", model.ErrNoValidPath)
}

// ResolveInclusive returns every outgoing flow whose condition evaluates
// true; if none do, it falls back to the default flow alone so the
// instance never dead-ends. A condition that fails to evaluate counts as false.
func (e *Evaluator) ResolveInclusive(idx *definition.Index, gatewayURI, instanceURI, tokenURI string) ([]definition.Flow, error) {
	var taken []definition.Flow
	var def *definition.Flow
	for _, flow := range idx.OutgoingFlows(gatewayURI) {
		f := flow
		if f.IsDefault {
			def = &f
			continue
		}
		if f.Condition == nil {
			taken = append(taken, f)
			continue
		}
		ok, err := e.EvaluateCondition(*f.Condition, instanceURI, tokenURI)
		if err != nil {
			continue
		}
		if ok {
			taken = append(taken, f)
		}
	}
	if len(taken) == 0 {
		if def != nil {
			return []definition.Flow{*def}, nil
		}
		return nil, fmt.Errorf("gateway: %s", model.ErrNoValidPath)
	}
	return taken, nil
}

// ParallelSplit returns every outgoing flow unconditionally: a parallel
// gateway with multiple outgoing flows spawns one token per flow.
func (e *Evaluator) ParallelSplit(idx *definition.Index, gatewayURI string) []definition.Flow {
	return idx.OutgoingFlows(gatewayURI)
}

// CandidateEvents returns the flows out of an event-based gateway; the
// Execution Core parks one token per target (message/timer/signal catch
// events) in a shared race group and, when one fires, cancels its siblings.
func (e *Evaluator) CandidateEvents(idx *definition.Index, gatewayURI string) []definition.Flow {
	return idx.OutgoingFlows(gatewayURI)
}

// joinKey scopes join-arrival bookkeeping to one (instance, gateway) pair.
func joinKey(instanceURI, gatewayURI string) string {
	return instanceURI + "|" + gatewayURI
}

const predJoinArrived = "joinArrived"

// RecordArrival records that a token arrived at gatewayURI via viaFlowURI,
// for parallel/inclusive join synchronization (handle_token_arrival).
func (e *Evaluator) RecordArrival(instanceURI, gatewayURI, viaFlowURI string) error {
	if err := e.graph.Add(joinKey(instanceURI, gatewayURI), predJoinArrived, viaFlowURI); err != nil {
		return fmt.Errorf("gateway: record arrival: %w", err)
	}
	return nil
}

// ArrivedFlowCount reports how many distinct incoming flows have recorded
// an arrival at gatewayURI for instanceURI so far.
func (e *Evaluator) ArrivedFlowCount(idx *definition.Index, instanceURI, gatewayURI string) (int, error) {
	triples, err := e.graph.Triples(graphstore.Pattern{Subject: joinKey(instanceURI, gatewayURI), Predicate: predJoinArrived})
	if err != nil {
		return 0, fmt.Errorf("gateway: count arrivals: %w", err)
	}
	return len(triples), nil
}

// IsJoinSatisfied reports whether every incoming flow of gatewayURI has
// recorded an arrival for instanceURI, i.e. the join can fire.
func (e *Evaluator) IsJoinSatisfied(idx *definition.Index, instanceURI, gatewayURI string) (bool, error) {
	count, err := e.ArrivedFlowCount(idx, instanceURI, gatewayURI)
	if err != nil {
		return false, err
	}
	return count >= len(idx.IncomingFlows(gatewayURI)), nil
}

// ClearArrivals resets gatewayURI's join bookkeeping for instanceURI once
// the join has fired, so the gateway can be re-entered by a loop.
func (e *Evaluator) ClearArrivals(instanceURI, gatewayURI string) error {
	if err := e.graph.Remove(joinKey(instanceURI, gatewayURI), predJoinArrived, ""); err != nil {
		return fmt.Errorf("gateway: clear arrivals: %w", err)
	}
	return nil
}

var _ VariableLookup = (*instance.Store)(nil)

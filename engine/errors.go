package engine

import (
	"errors"
	"fmt"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/model"
	"flow.evalgo.org/topic"
)

// routeError looks for an error boundary event matching cause's code,
// walking up the subprocess enclosure chain (via token.Manager's parent
// links) when the owning activity has no matching handler of its own. It
// returns (true, nil) once the error has been delivered to a boundary event;
// (false, nil) means no handler existed anywhere in the chain and the
// caller should fail the instance outright.
func (e *Engine) routeError(idx *definition.Index, instanceURI, tokenURI string, node definition.Node, cause error) (bool, error) {
	code, message := errorCodeOf(cause)
	if err := e.publish(eventbus.ErrorThrownEvent{InstanceURI: instanceURI, SourceNodeURI: node.URI, ErrorCode: code, ErrorMessage: message, TokenURI: tokenURI}); err != nil {
		return false, err
	}

	activityURI := node.URI
	searchIdx := idx
	walkInstance := instanceURI
	walkToken := tokenURI
	for {
		if handler, ok := searchIdx.ErrorHandlersOf(activityURI, code); ok {
			return true, e.fireBoundaryEvent(searchIdx, walkInstance, walkToken, handler, true)
		}
		parentTokenURI, ok := e.tokens.ParentTokenURI(walkToken)
		if !ok {
			return false, nil
		}
		parentTok, err := e.tokens.Get(parentTokenURI)
		if err != nil {
			return false, err
		}
		parentIdx, err := e.indexForToken(parentTokenURI)
		if err != nil {
			return false, err
		}
		parentNode, ok := parentIdx.Node(parentTok.Node)
		if !ok {
			return false, nil
		}
		activityURI = parentNode.URI
		searchIdx = parentIdx
		walkInstance = parentTok.Instance
		walkToken = parentTokenURI
	}
}

// throwDefinitionError handles a gateway or condition-evaluation failure the
// same way a thrown BPMN error would: route to a boundary event if one
// exists anywhere up the enclosure chain, otherwise fail the instance.
func (e *Engine) throwDefinitionError(instanceURI, tokenURI string, node definition.Node, cause error) error {
	idx, err := e.indexForToken(tokenURI)
	if err != nil {
		return err
	}
	handled, err := e.routeError(idx, instanceURI, tokenURI, node, cause)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	return e.failInstance(instanceURI, cause)
}

func (e *Engine) indexForToken(tokenURI string) (*definition.Index, error) {
	tok, err := e.tokens.Get(tokenURI)
	if err != nil {
		return nil, err
	}
	return e.indexForInstance(tok.Instance)
}

// indexForInstance resolves instanceURI's process and returns its cached
// definition index.
func (e *Engine) indexForInstance(instanceURI string) (*definition.Index, error) {
	processURI, ok := e.graph.Value(instanceURI, instance.PredProcess)
	if !ok {
		return nil, fmt.Errorf("engine: instance %s has no process", instanceURI)
	}
	return e.indexFor(processURI)
}

// fireBoundaryEvent fires boundary against hostTokenURI. interrupting
// governs whether the host token is consumed first; it is usually, but not
// always, boundary.IsInterrupting itself — error boundaries always consume
// their host regardless of that flag, since a non-interrupting error
// boundary has no defined meaning in this engine.
func (e *Engine) fireBoundaryEvent(idx *definition.Index, instanceURI, hostTokenURI string, boundary definition.Node, interrupting bool) error {
	if interrupting {
		if err := e.tokens.ConsumeToken(hostTokenURI); err != nil {
			return err
		}
		if err := e.publish(eventbus.TokenConsumedEvent{TokenURI: hostTokenURI, InstanceURI: instanceURI}); err != nil {
			return err
		}
		if err := e.cancelBoundaryWaits(hostTokenURI); err != nil {
			return err
		}
	}
	if err := e.publish(eventbus.BoundaryEventTriggeredEvent{InstanceURI: instanceURI, BoundaryEventURI: boundary.URI, AttachedToURI: boundary.AttachedTo, IsInterrupting: boundary.IsInterrupting}); err != nil {
		return err
	}
	branchToken, err := e.createToken(instanceURI, boundary.URI, "", 0)
	if err != nil {
		return err
	}
	flow, err := singleOutgoing(idx, boundary.URI)
	if err != nil {
		return err
	}
	if err := e.moveAlong(instanceURI, branchToken, flow); err != nil {
		return err
	}
	return e.advance(idx, instanceURI, branchToken)
}

func (e *Engine) failInstance(instanceURI string, cause error) error {
	state, err := e.instances.State(instanceURI)
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		return nil
	}
	if err := e.instances.SetState(instanceURI, model.InstanceFailed, cause.Error()); err != nil {
		return err
	}
	return e.publish(eventbus.InstanceStateChangedEvent{InstanceURI: instanceURI, OldState: string(state), NewState: string(model.InstanceFailed), Reason: cause.Error()})
}

func errorCodeOf(err error) (code, message string) {
	var failErr *topic.FailError
	if errors.As(err, &failErr) {
		return failErr.Code, failErr.Message
	}
	return model.ErrConditionEvaluation, err.Error()
}

// CancelInstance implements the transaction-subprocess cancel protocol
// (spec.md §4.8): every Compensable activity recorded against instanceURI is
// compensated in reverse completion order, every remaining token is then
// consumed, and the instance moves to cancelled. Compensables recorded by a
// child instance are not replayed. It is reachable from httpapi's cancel
// route.
func (e *Engine) CancelInstance(instanceURI, reason string) error {
	return e.withLane(instanceURI, func() error {
		if err := e.publish(eventbus.CancelTriggeredEvent{InstanceURI: instanceURI, TransactionURI: instanceURI}); err != nil {
			return err
		}
		if err := e.compensateScope(instanceURI, ""); err != nil {
			return err
		}
		return e.transitionTerminal(instanceURI, model.InstanceCancelled, reason)
	})
}

// TerminateInstance implements a BPMN terminate end event: every other
// token in the instance is consumed immediately, regardless of where it
// currently sits, and the instance moves straight to terminated.
func (e *Engine) TerminateInstance(instanceURI, sourceNodeURI string) error {
	if err := e.publish(eventbus.TerminateTriggeredEvent{InstanceURI: instanceURI, SourceNodeURI: sourceNodeURI}); err != nil {
		return err
	}
	return e.transitionTerminal(instanceURI, model.InstanceTerminated, "terminate end event "+sourceNodeURI)
}

func (e *Engine) transitionTerminal(instanceURI string, newState model.InstanceState, reason string) error {
	all, err := e.tokens.AllTokens(instanceURI)
	if err != nil {
		return err
	}
	for _, t := range all {
		if t.State == model.TokenConsumed {
			continue
		}
		if err := e.consume(instanceURI, t.URI); err != nil {
			return err
		}
	}
	state, err := e.instances.State(instanceURI)
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		return nil
	}
	if err := e.instances.SetState(instanceURI, newState, reason); err != nil {
		return err
	}
	return e.publish(eventbus.InstanceStateChangedEvent{InstanceURI: instanceURI, OldState: string(state), NewState: string(newState), Reason: reason})
}

// TriggerCompensation runs the compensation handler(s) recorded as
// Compensable against instanceURI: every one of them when scopeActivityURI
// is empty, or only the one recorded for scopeActivityURI otherwise. This is
// the engine's public entry point for compensation (reachable via httpapi);
// see compensation.go for the Compensable bookkeeping and ordering.
func (e *Engine) TriggerCompensation(instanceURI, scopeActivityURI string) error {
	return e.withLane(instanceURI, func() error {
		return e.compensateScope(instanceURI, scopeActivityURI)
	})
}

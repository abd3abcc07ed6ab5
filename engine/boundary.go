package engine

import (
	"context"
	"fmt"
	"time"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/instance"
	"github.com/google/uuid"
)

// Boundary-wait bookkeeping predicates, set on a synthetic "boundarywait/..."
// subject rather than on the host token itself, since a host token can carry
// more than one pending boundary (a timer and a message attached to the same
// UserTask, say) at once.
const (
	predBoundaryHost = "boundaryHostToken"
	predBoundaryNode = "boundaryNode"
)

// registerBoundaryEvents arms every timer and message boundary event
// attached to node against hostTokenURI, per SPEC_FULL.md §4.8's "when
// entering an activity, register its attached boundary events". Error and
// compensation boundaries are excluded: error boundaries are resolved
// reactively from routeError, and compensation boundaries only ever fire
// from TriggerCompensation, never from the activity's own wait state.
func (e *Engine) registerBoundaryEvents(idx *definition.Index, instanceURI, hostTokenURI string, node definition.Node) error {
	for _, b := range idx.BoundaryEventsOf(node.URI) {
		if b.ErrorCode != "" || b.IsCompensation {
			continue
		}
		switch {
		case b.Timer != "":
			if e.scheduler == nil {
				return fmt.Errorf("engine: boundary timer %s needs a scheduler but none is configured", b.URI)
			}
			d, err := parseISODuration(b.Timer)
			if err != nil {
				return err
			}
			waitURI := "boundarywait/" + uuid.NewString()
			if err := e.graph.Set(waitURI, predBoundaryHost, hostTokenURI); err != nil {
				return err
			}
			if err := e.graph.Set(waitURI, predBoundaryNode, b.URI); err != nil {
				return err
			}
			if err := e.scheduler.ScheduleTimer(context.Background(), waitURI, time.Now().Add(d)); err != nil {
				return err
			}
		case b.MessageName != "":
			waitURI := "boundarywait/" + uuid.NewString()
			if err := e.graph.Set(waitURI, predBoundaryHost, hostTokenURI); err != nil {
				return err
			}
			if err := e.graph.Set(waitURI, predBoundaryNode, b.URI); err != nil {
				return err
			}
			if err := e.graph.Set(waitURI, predWaitingForMessage, b.MessageName); err != nil {
				return err
			}
		}
	}
	return nil
}

// cancelBoundaryWaits tears down every boundary wait still armed against
// hostTokenURI, called once the host activity finishes normally so a timer
// or message that never fired doesn't linger in the scheduler or the graph.
func (e *Engine) cancelBoundaryWaits(hostTokenURI string) error {
	rows, err := e.graph.Query(graphstore.Pattern{Subject: "?wait", Predicate: predBoundaryHost, Object: hostTokenURI})
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, row := range rows {
		waitURI := row["wait"]
		if e.scheduler != nil {
			_ = e.scheduler.CancelTimer(ctx, waitURI)
		}
		if err := e.graph.Remove(waitURI, predBoundaryHost, ""); err != nil {
			return err
		}
		if err := e.graph.Remove(waitURI, predBoundaryNode, ""); err != nil {
			return err
		}
		if err := e.graph.Remove(waitURI, predWaitingForMessage, ""); err != nil {
			return err
		}
	}
	return nil
}

// fireBoundaryWait handles SignalTimer's discovery that tokenURI names a
// registered boundary timer wait rather than a token's own primary wait.
func (e *Engine) fireBoundaryWait(waitURI, hostTokenURI string) error {
	boundaryNodeURI, ok := e.graph.Value(waitURI, predBoundaryNode)
	if !ok {
		return fmt.Errorf("engine: boundary wait %s has no boundary node", waitURI)
	}
	hostTok, err := e.tokens.Get(hostTokenURI)
	if err != nil {
		return err
	}
	idx, err := e.indexForInstance(hostTok.Instance)
	if err != nil {
		return err
	}
	boundary, ok := idx.Node(boundaryNodeURI)
	if !ok {
		return fmt.Errorf("engine: unknown boundary node %s", boundaryNodeURI)
	}

	return e.withLane(hostTok.Instance, func() error {
		if err := e.graph.Remove(waitURI, predBoundaryHost, ""); err != nil {
			return err
		}
		if err := e.graph.Remove(waitURI, predBoundaryNode, ""); err != nil {
			return err
		}
		return e.fireBoundaryEvent(idx, hostTok.Instance, hostTokenURI, boundary, boundary.IsInterrupting)
	})
}

// deliverToBoundaryWait checks whether messageName is armed as a boundary
// wait somewhere in instanceURI before DeliverMessage falls back to its
// normal primary-wait search, and fires the boundary event if so. It
// reports whether it handled the delivery.
func (e *Engine) deliverToBoundaryWait(idx *definition.Index, instanceURI, messageName string, variables map[string]string) (bool, error) {
	rows, err := e.graph.Query(graphstore.Pattern{Subject: "?wait", Predicate: predWaitingForMessage, Object: messageName})
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		waitURI := row["wait"]
		hostTokenURI, ok := e.graph.Value(waitURI, predBoundaryHost)
		if !ok {
			continue // a primary receive/catch wait, not a boundary wait
		}
		hostTok, err := e.tokens.Get(hostTokenURI)
		if err != nil || hostTok.Instance != instanceURI {
			continue
		}
		boundaryNodeURI, _ := e.graph.Value(waitURI, predBoundaryNode)
		boundary, ok := idx.Node(boundaryNodeURI)
		if !ok {
			continue
		}

		for name, value := range variables {
			if err := e.instances.SetVariable(instanceURI, name, value, instance.XSDString, hostTokenURI); err != nil {
				return false, err
			}
		}
		if err := e.graph.Remove(waitURI, predWaitingForMessage, ""); err != nil {
			return false, err
		}
		if err := e.graph.Remove(waitURI, predBoundaryHost, ""); err != nil {
			return false, err
		}
		if err := e.graph.Remove(waitURI, predBoundaryNode, ""); err != nil {
			return false, err
		}
		if err := e.publish(eventbus.MessageReceivedEvent{InstanceURI: instanceURI, TokenURI: hostTokenURI, MessageName: messageName}); err != nil {
			return false, err
		}
		return true, e.fireBoundaryEvent(idx, instanceURI, hostTokenURI, boundary, boundary.IsInterrupting)
	}
	return false, nil
}

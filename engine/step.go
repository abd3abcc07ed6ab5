package engine

import (
	"context"
	"fmt"
	"time"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/model"
	"flow.evalgo.org/topic"
)

// Token-scoped bookkeeping predicates owned by the Execution Core. These
// live alongside token.Manager's own predicates on the same token subjects
// but are engine-internal transient state, not part of the Token Manager's
// public data model.
const (
	predWaitingForMessage = "waitingForMessage"
	predWaitingForTimer   = "waitingForTimer"
	predArrivedVia        = "arrivedViaFlow"
	predRaceGroup         = "raceGroup"
)

// maxStepsPerAdvance bounds a single advance() call against a process
// definition with no reachable suspend point (e.g. a gateway cycle with no
// condition that ever breaks out), turning what would be an infinite loop
// into a reported E_LOOP_LIMIT error per spec.md §7.
const maxStepsPerAdvance = 10000

func (e *Engine) createToken(instanceURI, nodeURI, parentTokenURI string, loopIndex int) (string, error) {
	tokenURI, err := e.tokens.CreateToken(instanceURI, nodeURI, parentTokenURI, loopIndex)
	if err != nil {
		return "", err
	}
	var loopIdxPtr *int
	if loopIndex != 0 {
		loopIdxPtr = &loopIndex
	}
	if err := e.publish(eventbus.TokenCreatedEvent{InstanceURI: instanceURI, NodeURI: nodeURI, ParentTokenURI: parentTokenURI, LoopIndex: loopIdxPtr}); err != nil {
		return "", err
	}
	return tokenURI, nil
}

func (e *Engine) moveAlong(instanceURI, tokenURI string, flow definition.Flow) error {
	if err := e.tokens.MoveToken(tokenURI, flow.Target); err != nil {
		return err
	}
	if err := e.graph.Set(tokenURI, predArrivedVia, flow.URI); err != nil {
		return fmt.Errorf("engine: record arrival edge: %w", err)
	}
	return e.publish(eventbus.TokenMovedEvent{TokenURI: tokenURI, InstanceURI: instanceURI, TargetNodes: []string{flow.Target}})
}

func (e *Engine) consume(instanceURI, tokenURI string) error {
	if err := e.tokens.ConsumeToken(tokenURI); err != nil {
		return err
	}
	return e.publish(eventbus.TokenConsumedEvent{TokenURI: tokenURI, InstanceURI: instanceURI})
}

func singleOutgoing(idx *definition.Index, nodeURI string) (definition.Flow, error) {
	flows := idx.OutgoingFlows(nodeURI)
	if len(flows) == 0 {
		return definition.Flow{}, fmt.Errorf("engine: %s: %s has no outgoing flow", model.ErrNoValidPath, nodeURI)
	}
	return flows[0], nil
}

// advance drives tokenURI forward until it suspends (task/message/timer
// wait, subprocess spawn, or the instance completes) or hits an
// unrecoverable error. It must only be called with instanceURI's lane
// already held.
func (e *Engine) advance(idx *definition.Index, instanceURI, tokenURI string) error {
	for steps := 0; ; steps++ {
		if steps > maxStepsPerAdvance {
			return fmt.Errorf("engine: %s", model.ErrLoopLimitExceeded)
		}

		tok, err := e.tokens.Get(tokenURI)
		if err != nil {
			return err
		}
		node, ok := idx.Node(tok.Node)
		if !ok {
			return fmt.Errorf("engine: token %s at unknown node %s", tokenURI, tok.Node)
		}
		if err := e.publish(eventbus.AuditLogEvent{InstanceURI: instanceURI, EventType: "node_enter", NodeURI: node.URI}); err != nil {
			return err
		}

		if node.IsMultiInstance && tok.LoopIndex == 0 {
			return e.expandMultiInstance(idx, instanceURI, tokenURI, node)
		}

		switch node.Type {
		case model.NodeStartEvent:
			flow, err := singleOutgoing(idx, node.URI)
			if err != nil {
				return err
			}
			if err := e.moveAlong(instanceURI, tokenURI, flow); err != nil {
				return err
			}
			continue

		case model.NodeEndEvent:
			return e.finishAtEnd(instanceURI, tokenURI, node)

		case model.NodeServiceTask, model.NodeScriptTask:
			next, handled, err := e.runServiceTask(instanceURI, tokenURI, node, idx)
			if err != nil {
				return err
			}
			if handled {
				return nil
			}
			tokenURI = next
			continue

		case model.NodeUserTask:
			return e.createTaskAndSuspend(idx, instanceURI, tokenURI, node)

		case model.NodeReceiveTask:
			return e.suspendForMessage(instanceURI, tokenURI, node)

		case model.NodeIntermediateCatchEvent:
			return e.suspendForCatchEvent(instanceURI, tokenURI, node)

		case model.NodeIntermediateThrowEvent:
			if err := e.throwIntermediateEvent(instanceURI, tokenURI, node); err != nil {
				return err
			}
			flow, err := singleOutgoing(idx, node.URI)
			if err != nil {
				return err
			}
			if err := e.moveAlong(instanceURI, tokenURI, flow); err != nil {
				return err
			}
			continue

		case model.NodeExclusiveGateway:
			flow, err := e.gateways.ResolveExclusive(idx, node.URI, instanceURI, tokenURI)
			if err != nil {
				return e.throwDefinitionError(instanceURI, tokenURI, node, err)
			}
			if err := e.publish(eventbus.GatewayEvaluatedEvent{InstanceURI: instanceURI, GatewayURI: node.URI, TokenURI: tokenURI, SelectedFlows: []string{flow.URI}, GatewayType: string(node.Type)}); err != nil {
				return err
			}
			if err := e.moveAlong(instanceURI, tokenURI, flow); err != nil {
				return err
			}
			continue

		case model.NodeInclusiveGateway, model.NodeParallelGateway:
			if len(idx.IncomingFlows(node.URI)) > 1 {
				next, suspended, err := e.handleJoin(idx, instanceURI, tokenURI, node)
				if err != nil {
					return err
				}
				if suspended {
					return nil
				}
				tokenURI = next
				continue
			}
			next, err := e.handleSplit(idx, instanceURI, tokenURI, node)
			if err != nil {
				return e.throwDefinitionError(instanceURI, tokenURI, node, err)
			}
			tokenURI = next
			continue

		case model.NodeEventBasedGateway:
			return e.handleEventBasedGateway(idx, instanceURI, tokenURI, node)

		case model.NodeSubprocess, model.NodeCallActivity:
			return e.startSubprocess(idx, instanceURI, tokenURI, node)

		default:
			return fmt.Errorf("engine: node %s has unsupported type %q for a token's own position", node.URI, node.Type)
		}
	}
}

// handleSplit resolves a parallel/inclusive gateway with at most one
// incoming flow: the current token continues along the first selected
// flow, and a new token is spawned (and driven independently) for each
// additional one.
func (e *Engine) handleSplit(idx *definition.Index, instanceURI, tokenURI string, node definition.Node) (string, error) {
	var flows []definition.Flow
	var err error
	if node.Type == model.NodeParallelGateway {
		flows = e.gateways.ParallelSplit(idx, node.URI)
	} else {
		flows, err = e.gateways.ResolveInclusive(idx, node.URI, instanceURI, tokenURI)
	}
	if err != nil {
		return "", err
	}
	if len(flows) == 0 {
		return "", fmt.Errorf("engine: %s", model.ErrNoValidPath)
	}

	selected := make([]string, len(flows))
	for i, f := range flows {
		selected[i] = f.URI
	}
	if err := e.publish(eventbus.GatewayEvaluatedEvent{InstanceURI: instanceURI, GatewayURI: node.URI, TokenURI: tokenURI, SelectedFlows: selected, GatewayType: string(node.Type)}); err != nil {
		return "", err
	}

	for _, flow := range flows[1:] {
		branchToken, err := e.createToken(instanceURI, node.URI, "", 0)
		if err != nil {
			return "", err
		}
		if err := e.moveAlong(instanceURI, branchToken, flow); err != nil {
			return "", err
		}
		if err := e.advance(idx, instanceURI, branchToken); err != nil {
			return "", err
		}
	}
	if err := e.moveAlong(instanceURI, tokenURI, flows[0]); err != nil {
		return "", err
	}
	return tokenURI, nil
}

// handleJoin resolves a parallel/inclusive gateway with more than one
// incoming flow: the arriving token is consumed and its arrival recorded;
// once every incoming flow has recorded an arrival, a single merged token
// continues past the gateway.
func (e *Engine) handleJoin(idx *definition.Index, instanceURI, tokenURI string, node definition.Node) (string, bool, error) {
	viaFlow, _ := e.graph.Value(tokenURI, predArrivedVia)
	if err := e.gateways.RecordArrival(instanceURI, node.URI, viaFlow); err != nil {
		return "", false, err
	}
	if err := e.consume(instanceURI, tokenURI); err != nil {
		return "", false, err
	}

	satisfied, err := e.gateways.IsJoinSatisfied(idx, instanceURI, node.URI)
	if err != nil {
		return "", false, err
	}
	if !satisfied {
		if err := e.maybeCompleteInstance(instanceURI); err != nil {
			return "", false, err
		}
		return "", true, nil
	}

	if err := e.gateways.ClearArrivals(instanceURI, node.URI); err != nil {
		return "", false, err
	}
	merged, err := e.createToken(instanceURI, node.URI, "", 0)
	if err != nil {
		return "", false, err
	}
	// The merged token still sits at node.URI itself, so it must be driven
	// past the gateway's outgoing flow(s) here rather than left for the next
	// loop iteration to reinterpret as another arrival at the same join.
	next, err := e.handleSplit(idx, instanceURI, merged, node)
	if err != nil {
		return "", false, err
	}
	return next, false, nil
}

func (e *Engine) handleEventBasedGateway(idx *definition.Index, instanceURI, tokenURI string, node definition.Node) error {
	flows := e.gateways.CandidateEvents(idx, node.URI)
	if len(flows) == 0 {
		return fmt.Errorf("engine: %s: event-based gateway %s has no outgoing flows", model.ErrNoValidPath, node.URI)
	}
	groupID := tokenURI
	if err := e.consume(instanceURI, tokenURI); err != nil {
		return err
	}
	for _, flow := range flows {
		branchToken, err := e.createToken(instanceURI, node.URI, "", 0)
		if err != nil {
			return err
		}
		if err := e.graph.Set(branchToken, predRaceGroup, groupID); err != nil {
			return err
		}
		if err := e.moveAlong(instanceURI, branchToken, flow); err != nil {
			return err
		}
		if err := e.advance(idx, instanceURI, branchToken); err != nil {
			return err
		}
	}
	return nil
}

// cancelRaceSiblings consumes every other token sharing tokenURI's race
// group, so that once one event-based gateway branch fires, the rest stop
// waiting.
func (e *Engine) cancelRaceSiblings(ctx context.Context, instanceURI, tokenURI string) error {
	groupID, ok := e.graph.Value(tokenURI, predRaceGroup)
	if !ok {
		return nil
	}
	rows, err := e.graph.Query(graphstore.Pattern{Subject: "?sibling", Predicate: predRaceGroup, Object: groupID})
	if err != nil {
		return err
	}
	for _, row := range rows {
		sibling := row["sibling"]
		if sibling == tokenURI {
			continue
		}
		tok, err := e.tokens.Get(sibling)
		if err != nil || tok.Instance != instanceURI || tok.State == model.TokenConsumed {
			continue
		}
		if e.scheduler != nil {
			_ = e.scheduler.CancelTimer(ctx, sibling)
		}
		if err := e.graph.Remove(sibling, predWaitingForMessage, ""); err != nil {
			return err
		}
		if err := e.graph.Remove(sibling, predWaitingForTimer, ""); err != nil {
			return err
		}
		if err := e.consume(instanceURI, sibling); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runServiceTask(instanceURI, tokenURI string, node definition.Node, idx *definition.Index) (string, bool, error) {
	tok, err := e.tokens.Get(tokenURI)
	if err != nil {
		return "", true, err
	}

	if err := e.registerBoundaryEvents(idx, instanceURI, tokenURI, node); err != nil {
		return "", true, err
	}
	if err := e.publish(eventbus.ServiceTaskExecuteEvent{InstanceURI: instanceURI, NodeURI: node.URI, TokenURI: tokenURI, Topic: node.Topic}); err != nil {
		return "", false, err
	}

	ctx := e.handlerContext(instanceURI, node.URI, tokenURI)
	if tok.LoopIndex != 0 {
		ctx = e.loopHandlerContext(instanceURI, node.URI, tokenURI, tok.LoopIndex)
	}
	if err := e.topics.Dispatch(node.Topic, ctx); err != nil {
		handled, herr := e.routeError(idx, instanceURI, tokenURI, node, err)
		if herr != nil {
			return "", true, herr
		}
		if handled {
			return "", true, nil
		}
		return "", true, e.failInstance(instanceURI, err)
	}
	if err := e.publish(eventbus.ServiceTaskCompletedEvent{InstanceURI: instanceURI, NodeURI: node.URI, TokenURI: tokenURI}); err != nil {
		return "", false, err
	}
	if err := e.recordIfCompensable(idx, instanceURI, node); err != nil {
		return "", true, err
	}
	if err := e.cancelBoundaryWaits(tokenURI); err != nil {
		return "", true, err
	}

	if tok.LoopIndex != 0 {
		return "", true, e.advanceMultiInstanceIteration(idx, instanceURI, node, tokenURI, tok.LoopIndex)
	}

	flow, err := singleOutgoing(idx, node.URI)
	if err != nil {
		return "", false, err
	}
	if err := e.moveAlong(instanceURI, tokenURI, flow); err != nil {
		return "", false, err
	}
	return tokenURI, false, nil
}

// handlerContext scopes reads to tokenURI (falling back to the flat instance
// namespace), but writes land directly in the flat instance namespace: per
// spec.md §4.3/§4.8 token-scoped bindings are reserved for multi-instance
// loop variables, not ordinary ServiceTask output, so a variable a handler
// sets must stay visible after its own token is consumed or moved along.
func (e *Engine) handlerContext(instanceURI, nodeURI, tokenURI string) topic.Context {
	return topic.Context{
		InstanceURI: instanceURI,
		NodeURI:     nodeURI,
		TokenURI:    tokenURI,
		GetVariable: func(name string) (string, bool) {
			return e.instances.GetVariable(instanceURI, name, tokenURI)
		},
		SetVariable: func(name, value, datatype string) error {
			if err := e.instances.SetVariable(instanceURI, name, value, datatype, ""); err != nil {
				return err
			}
			return e.publish(eventbus.VariableSetEvent{InstanceURI: instanceURI, Name: name, Value: value, Datatype: datatype})
		},
	}
}

// loopHandlerContext is handlerContext's multi-instance counterpart: both
// reads and writes are scoped to tokenURI, so each loop iteration keeps its
// own bindings instead of clobbering its siblings' (spec.md §4.8's
// "per-iteration token-scoped bindings").
func (e *Engine) loopHandlerContext(instanceURI, nodeURI, tokenURI string, loopIndex int) topic.Context {
	idx := loopIndex
	return topic.Context{
		InstanceURI: instanceURI,
		NodeURI:     nodeURI,
		TokenURI:    tokenURI,
		GetVariable: func(name string) (string, bool) {
			return e.instances.GetVariable(instanceURI, name, tokenURI)
		},
		SetVariable: func(name, value, datatype string) error {
			if err := e.instances.SetVariable(instanceURI, name, value, datatype, tokenURI); err != nil {
				return err
			}
			return e.publish(eventbus.VariableSetEvent{InstanceURI: instanceURI, Name: name, Value: value, Datatype: datatype, LoopIndex: &idx})
		},
	}
}

func (e *Engine) throwIntermediateEvent(instanceURI, tokenURI string, node definition.Node) error {
	if node.MessageName == "" {
		return nil
	}
	return e.publish(eventbus.MessageSentEvent{MessageName: node.MessageName, SourceInstanceURI: instanceURI, SourceNodeURI: node.URI})
}

// createTaskAndSuspend creates a task for node and parks tokenURI in the
// waiting state; the new task's URI is discoverable afterward via
// Engine.TaskForToken rather than carried on the event, since
// eventbus.TaskCreatedEvent only names the node a task came from.
func (e *Engine) createTaskAndSuspend(idx *definition.Index, instanceURI, tokenURI string, node definition.Node) error {
	task, err := e.createTask(instanceURI, tokenURI, node)
	if err != nil {
		return err
	}
	if err := e.registerBoundaryEvents(idx, instanceURI, tokenURI, node); err != nil {
		return err
	}
	if err := e.tokens.Suspend(tokenURI); err != nil {
		return err
	}
	t, err := e.GetTask(task)
	if err != nil {
		return err
	}
	return e.publish(eventbus.TaskCreatedEvent{
		InstanceURI:     instanceURI,
		NodeURI:         node.URI,
		TokenURI:        tokenURI,
		Assignee:        t.Assignee,
		CandidateUsers:  t.CandidateUsers,
		CandidateGroups: t.CandidateGroups,
		FormData:        t.FormData,
		DueDate:         t.DueDate,
		Priority:        t.Priority,
	})
}

func (e *Engine) suspendForMessage(instanceURI, tokenURI string, node definition.Node) error {
	if node.MessageName == "" {
		return fmt.Errorf("engine: receive task %s has no message name", node.URI)
	}
	if err := e.graph.Set(tokenURI, predWaitingForMessage, node.MessageName); err != nil {
		return err
	}
	return e.tokens.Suspend(tokenURI)
}

func (e *Engine) suspendForCatchEvent(instanceURI, tokenURI string, node definition.Node) error {
	if node.Timer != "" {
		d, err := parseISODuration(node.Timer)
		if err != nil {
			return err
		}
		if e.scheduler == nil {
			return fmt.Errorf("engine: node %s needs a timer but no scheduler is configured", node.URI)
		}
		if err := e.graph.Set(tokenURI, predWaitingForTimer, node.Timer); err != nil {
			return err
		}
		if err := e.scheduler.ScheduleTimer(context.Background(), tokenURI, time.Now().Add(d)); err != nil {
			return err
		}
		return e.tokens.Suspend(tokenURI)
	}
	if node.MessageName != "" {
		return e.suspendForMessage(instanceURI, tokenURI, node)
	}
	return fmt.Errorf("engine: intermediate catch event %s has neither a timer nor a message trigger", node.URI)
}

func (e *Engine) finishAtEnd(instanceURI, tokenURI string, node definition.Node) error {
	if err := e.consume(instanceURI, tokenURI); err != nil {
		return err
	}
	if node.IsTerminateEnd {
		return e.TerminateInstance(instanceURI, node.URI)
	}
	return e.maybeCompleteInstance(instanceURI)
}

func (e *Engine) maybeCompleteInstance(instanceURI string) error {
	all, err := e.tokens.AllTokens(instanceURI)
	if err != nil {
		return err
	}
	for _, t := range all {
		if t.State != model.TokenConsumed {
			return nil
		}
	}
	state, err := e.instances.State(instanceURI)
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		return nil
	}
	if err := e.instances.SetState(instanceURI, model.InstanceCompleted, "all tokens consumed"); err != nil {
		return err
	}
	return e.publish(eventbus.InstanceStateChangedEvent{InstanceURI: instanceURI, OldState: string(state), NewState: string(model.InstanceCompleted), Reason: "all tokens consumed"})
}

func (e *Engine) startSubprocess(idx *definition.Index, instanceURI, tokenURI string, node definition.Node) error {
	if node.CalledProcess == "" {
		return fmt.Errorf("engine: %s %s has no called process", node.Type, node.URI)
	}
	if err := e.registerBoundaryEvents(idx, instanceURI, tokenURI, node); err != nil {
		return err
	}
	if err := e.tokens.Suspend(tokenURI); err != nil {
		return err
	}
	childURI, err := e.instances.CreateInstance(node.CalledProcess, nil, tokenURI)
	if err != nil {
		return err
	}
	if err := e.publish(eventbus.SubprocessStartedEvent{InstanceURI: instanceURI, SubprocessURI: childURI, ParentTokenURI: tokenURI}); err != nil {
		return err
	}

	childIdx, err := e.indexFor(node.CalledProcess)
	if err != nil {
		return err
	}
	childStart, ok := childIdx.StartEventOf()
	if !ok {
		return fmt.Errorf("engine: %s: called process %s has no start event", model.ErrMissingStartEvent, node.CalledProcess)
	}
	childToken, err := e.createToken(childURI, childStart.URI, tokenURI, 0)
	if err != nil {
		return err
	}
	return e.advance(childIdx, childURI, childToken)
}

// CompleteSubprocess resumes parentTokenURI past its Subprocess/CallActivity
// node once childInstanceURI has reached a terminal state. This is not
// wired as an automatic eventbus subscriber: a child instance's completion
// is frequently discovered synchronously from inside the parent's own
// advance() call (a subprocess with no suspend points runs to completion
// before startSubprocess returns), and since instanceURI's lane is a
// non-reentrant sync.Mutex, a global subscriber calling back into the
// parent's lane from there would deadlock. Instead, callers outside the
// step loop (an httpapi endpoint, a reconciliation loop watching instance
// state) call this explicitly once they observe the child is done.
func (e *Engine) CompleteSubprocess(parentTokenURI, childInstanceURI string) error {
	tok, err := e.tokens.Get(parentTokenURI)
	if err != nil {
		return err
	}
	processURI, ok := e.graph.Value(tok.Instance, instance.PredProcess)
	if !ok {
		return fmt.Errorf("engine: instance %s has no process", tok.Instance)
	}
	idx, err := e.indexFor(processURI)
	if err != nil {
		return err
	}
	node, ok := idx.Node(tok.Node)
	if !ok {
		return fmt.Errorf("engine: parent token %s at unknown node", parentTokenURI)
	}

	return e.withLane(tok.Instance, func() error {
		if err := e.publish(eventbus.SubprocessCompletedEvent{InstanceURI: tok.Instance, SubprocessURI: childInstanceURI, ParentTokenURI: parentTokenURI}); err != nil {
			return err
		}
		if err := e.recordIfCompensable(idx, tok.Instance, node); err != nil {
			return err
		}
		if err := e.cancelBoundaryWaits(parentTokenURI); err != nil {
			return err
		}
		if err := e.tokens.Resume(parentTokenURI); err != nil {
			return err
		}
		if tok.LoopIndex != 0 {
			return e.advanceMultiInstanceIteration(idx, tok.Instance, node, parentTokenURI, tok.LoopIndex)
		}
		flow, err := singleOutgoing(idx, node.URI)
		if err != nil {
			return err
		}
		if err := e.moveAlong(tok.Instance, parentTokenURI, flow); err != nil {
			return err
		}
		return e.advance(idx, tok.Instance, parentTokenURI)
	})
}

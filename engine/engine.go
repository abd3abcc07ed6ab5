// Package engine implements the Execution Core (C8): the step loop that
// drives tokens through a process definition, dispatching per node type,
// grounded on original_source/rdfengine.py's execute_step/handle_token_arrival
// and generalized to the full node taxonomy in spec.md §3.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/gateway"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/model"
	"flow.evalgo.org/token"
	"flow.evalgo.org/topic"
)

// TimerScheduler is the subset of scheduler.Scheduler the engine depends on,
// kept as an interface so engine tests don't need a live Redis instance.
type TimerScheduler interface {
	ScheduleTimer(ctx context.Context, tokenURI string, deadline time.Time) error
	CancelTimer(ctx context.Context, tokenURI string) error
}

// Engine is the Execution Core. All public operations are serialized per
// instance (spec.md §5 "lanes"): concurrent calls touching different
// instances proceed in parallel, but calls against the same instance run
// one at a time.
type Engine struct {
	graph     *graphstore.Store
	instances *instance.Store
	tokens    *token.Manager
	gateways  *gateway.Evaluator
	topics    *topic.Registry
	bus       *eventbus.Bus
	scheduler TimerScheduler

	lanesMu sync.Mutex
	lanes   map[string]*sync.Mutex

	indexMu sync.Mutex
	indexes map[string]*definition.Index
}

// New wires the Execution Core's dependencies. topics and bus must not be
// nil; a process with zero ServiceTask/ScriptTask nodes can still pass an
// empty topic.Registry. scheduler may be nil for processes with no timer
// events; calling a timer-bearing node without one is a configuration error.
func New(graph *graphstore.Store, instances *instance.Store, tokens *token.Manager, gateways *gateway.Evaluator, topics *topic.Registry, bus *eventbus.Bus, scheduler TimerScheduler) *Engine {
	return &Engine{
		graph:     graph,
		instances: instances,
		tokens:    tokens,
		gateways:  gateways,
		topics:    topics,
		bus:       bus,
		scheduler: scheduler,
		lanes:     make(map[string]*sync.Mutex),
		indexes:   make(map[string]*definition.Index),
	}
}

func (e *Engine) lane(instanceURI string) *sync.Mutex {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	l, ok := e.lanes[instanceURI]
	if !ok {
		l = &sync.Mutex{}
		e.lanes[instanceURI] = l
	}
	return l
}

func (e *Engine) withLane(instanceURI string, fn func() error) error {
	l := e.lane(instanceURI)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// indexFor returns the cached definition.Index for processURI, building it
// on first use. Per spec.md §4.2 the index is treated as immutable once
// built; InvalidateIndex forces a rebuild after a definition changes.
func (e *Engine) indexFor(processURI string) (*definition.Index, error) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	if idx, ok := e.indexes[processURI]; ok {
		return idx, nil
	}
	idx, err := definition.Build(e.graph, processURI)
	if err != nil {
		return nil, fmt.Errorf("engine: build definition index: %w", err)
	}
	e.indexes[processURI] = idx
	return idx, nil
}

// InvalidateIndex drops the cached index for processURI.
func (e *Engine) InvalidateIndex(processURI string) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	delete(e.indexes, processURI)
}

func (e *Engine) publish(event eventbus.Event) error {
	if e.bus == nil {
		return nil
	}
	return e.bus.Publish(event)
}

// StartInstance creates a new instance of processURI, binds
// initialVariables, places a token on the process's start event, and drives
// the step loop until it suspends or the instance completes.
func (e *Engine) StartInstance(processURI string, initialVariables map[string]string) (string, error) {
	idx, err := e.indexFor(processURI)
	if err != nil {
		return "", err
	}
	start, ok := idx.StartEventOf()
	if !ok {
		return "", fmt.Errorf("engine: %s: process %s has no start event", model.ErrMissingStartEvent, processURI)
	}

	instanceURI, err := e.instances.CreateInstance(processURI, initialVariables, "")
	if err != nil {
		return "", err
	}

	var stepErr error
	err = e.withLane(instanceURI, func() error {
		tokenURI, err := e.createToken(instanceURI, start.URI, "", 0)
		if err != nil {
			return err
		}
		stepErr = e.advance(idx, instanceURI, tokenURI)
		return nil
	})
	if err != nil {
		return instanceURI, err
	}
	return instanceURI, stepErr
}

// ResumeInstance re-drives every live token of instanceURI's step loop,
// e.g. after an operator lifts a suspension or after a process restart
// rehydrates an instance from the graph.
func (e *Engine) ResumeInstance(instanceURI string) error {
	processURI, ok := e.graph.Value(instanceURI, instance.PredProcess)
	if !ok {
		return fmt.Errorf("engine: instance %s has no process", instanceURI)
	}
	idx, err := e.indexFor(processURI)
	if err != nil {
		return err
	}

	return e.withLane(instanceURI, func() error {
		live, err := e.tokens.LiveTokens(instanceURI)
		if err != nil {
			return err
		}
		for _, tok := range live {
			if err := e.advance(idx, instanceURI, tok.URI); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeliverMessage resumes the first token waiting on messageName (a
// ReceiveTask or message IntermediateCatchEvent), binds variables into that
// token's scope, and continues the step loop.
func (e *Engine) DeliverMessage(instanceURI, messageName string, variables map[string]string) error {
	processURI, ok := e.graph.Value(instanceURI, instance.PredProcess)
	if !ok {
		return fmt.Errorf("engine: instance %s has no process", instanceURI)
	}
	idx, err := e.indexFor(processURI)
	if err != nil {
		return err
	}

	return e.withLane(instanceURI, func() error {
		if fired, err := e.deliverToBoundaryWait(idx, instanceURI, messageName, variables); err != nil {
			return err
		} else if fired {
			return nil
		}

		rows, err := e.graph.Query(graphstore.Pattern{Subject: "?token", Predicate: predWaitingForMessage, Object: messageName})
		if err != nil {
			return err
		}
		var tokenURI string
		for _, row := range rows {
			tok, err := e.tokens.Get(row["token"])
			if err != nil {
				continue
			}
			if tok.Instance == instanceURI {
				tokenURI = row["token"]
				break
			}
		}
		if tokenURI == "" {
			return fmt.Errorf("engine: no token in instance %s is waiting for message %q", instanceURI, messageName)
		}

		for name, value := range variables {
			if err := e.instances.SetVariable(instanceURI, name, value, instance.XSDString, tokenURI); err != nil {
				return err
			}
		}
		if err := e.graph.Remove(tokenURI, predWaitingForMessage, ""); err != nil {
			return err
		}
		if err := e.publish(eventbus.MessageReceivedEvent{InstanceURI: instanceURI, TokenURI: tokenURI, MessageName: messageName}); err != nil {
			return err
		}
		if err := e.tokens.Resume(tokenURI); err != nil {
			return err
		}
		if err := e.cancelRaceSiblings(context.Background(), instanceURI, tokenURI); err != nil {
			return err
		}
		return e.advance(idx, instanceURI, tokenURI)
	})
}

// SignalTimer fires tokenURI's pending timer (a timer IntermediateCatchEvent
// or a timer BoundaryEvent), invoked by the Scheduler when the deadline
// elapses.
func (e *Engine) SignalTimer(tokenURI string) error {
	if hostTokenURI, ok := e.graph.Value(tokenURI, predBoundaryHost); ok {
		return e.fireBoundaryWait(tokenURI, hostTokenURI)
	}

	tok, err := e.tokens.Get(tokenURI)
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

	return e.withLane(tok.Instance, func() error {
		if err := e.graph.Remove(tokenURI, predWaitingForTimer, ""); err != nil {
			return err
		}
		if err := e.tokens.Resume(tokenURI); err != nil {
			return err
		}
		if err := e.cancelRaceSiblings(context.Background(), tok.Instance, tokenURI); err != nil {
			return err
		}
		return e.advance(idx, tok.Instance, tokenURI)
	})
}

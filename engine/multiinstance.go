package engine

import (
	"fmt"
	"strconv"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/model"
)

// defaultMaxIterations caps a multi-instance loop when its node carries no
// explicit MaxIterations, grounded on the teacher's
// semantic.SemanticItemList.MaxIterations default.
const defaultMaxIterations = 1000

// itemCountVariable names the instance variable a multi-instance node reads
// to learn how many iterations to run, by convention the node's own URI
// suffixed with "#itemCount" so sibling loop nodes in the same process don't
// collide. A caller sets this (typically from a preceding ServiceTask that
// resolves a collection) before the token carrying the loop reaches the node;
// its absence means the loop runs exactly once.
func itemCountVariable(nodeURI string) string {
	return nodeURI + "#itemCount"
}

// expandMultiInstance replaces the arriving (unexpanded) token at a
// multi-instance activity with one or more loopIndex-scoped child tokens,
// per SPEC_FULL.md §4.8. Sequential loops only spawn their first iteration;
// subsequent iterations are chained by advanceMultiInstanceIteration once
// the prior one completes. Parallel loops spawn every iteration at once and
// are joined the same way a parallel gateway split/join is.
func (e *Engine) expandMultiInstance(idx *definition.Index, instanceURI, tokenURI string, node definition.Node) error {
	count, err := e.multiInstanceCount(instanceURI, node)
	if err != nil {
		return err
	}
	if err := e.consume(instanceURI, tokenURI); err != nil {
		return err
	}

	if node.Parallel {
		for i := 1; i <= count; i++ {
			child, err := e.createToken(instanceURI, node.URI, tokenURI, i)
			if err != nil {
				return err
			}
			if err := e.advance(idx, instanceURI, child); err != nil {
				return err
			}
		}
		return nil
	}

	first, err := e.createToken(instanceURI, node.URI, tokenURI, 1)
	if err != nil {
		return err
	}
	return e.advance(idx, instanceURI, first)
}

// multiInstanceCount resolves how many iterations node should run for
// instanceURI, enforcing MaxIterations as a hard cap.
func (e *Engine) multiInstanceCount(instanceURI string, node definition.Node) (int, error) {
	max := node.MaxIterations
	if max <= 0 {
		max = defaultMaxIterations
	}
	count := 1
	if v, ok := e.instances.GetVariable(instanceURI, itemCountVariable(node.URI), ""); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	if count > max {
		return 0, fmt.Errorf("engine: %s: multi-instance node %s requested %d iterations, exceeds MaxIterations %d", model.ErrLoopLimitExceeded, node.URI, count, max)
	}
	return count, nil
}

// countMultiInstanceCompletions reports how many of a parallel multi-instance
// node's iterations have finished, against the total it was asked to run.
func (e *Engine) countMultiInstanceCompletions(instanceURI string, node definition.Node) (done, total int, err error) {
	total, err = e.multiInstanceCount(instanceURI, node)
	if err != nil {
		return 0, 0, err
	}
	all, err := e.tokens.TokensAt(instanceURI, node.URI)
	if err != nil {
		return 0, 0, err
	}
	for _, t := range all {
		if t.LoopIndex != 0 && t.State == model.TokenConsumed {
			done++
		}
	}
	return done, total, nil
}

// advanceMultiInstanceIteration is called by each activity type's completion
// path (runServiceTask, CompleteTask, CompleteSubprocess) once a single
// iteration's work is done, in place of that path's normal
// singleOutgoing/moveAlong/advance. Sequential loops chain straight into the
// next iteration; parallel loops wait for every sibling iteration before
// emitting one token past the node, mirroring handleJoin.
func (e *Engine) advanceMultiInstanceIteration(idx *definition.Index, instanceURI string, node definition.Node, tokenURI string, loopIndex int) error {
	if err := e.consume(instanceURI, tokenURI); err != nil {
		return err
	}

	if node.Parallel {
		done, total, err := e.countMultiInstanceCompletions(instanceURI, node)
		if err != nil {
			return err
		}
		if done < total {
			return nil
		}
		return e.mergeMultiInstance(idx, instanceURI, node)
	}

	count, err := e.multiInstanceCount(instanceURI, node)
	if err != nil {
		return err
	}
	if loopIndex < count {
		next, err := e.createToken(instanceURI, node.URI, "", loopIndex+1)
		if err != nil {
			return err
		}
		return e.advance(idx, instanceURI, next)
	}
	return e.mergeMultiInstance(idx, instanceURI, node)
}

func (e *Engine) mergeMultiInstance(idx *definition.Index, instanceURI string, node definition.Node) error {
	merged, err := e.createToken(instanceURI, node.URI, "", 0)
	if err != nil {
		return err
	}
	flow, err := singleOutgoing(idx, node.URI)
	if err != nil {
		return err
	}
	if err := e.moveAlong(instanceURI, merged, flow); err != nil {
		return err
	}
	return e.advance(idx, instanceURI, merged)
}

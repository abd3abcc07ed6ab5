package engine

import (
	"sort"
	"strconv"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/graphstore"
)

// Compensable bookkeeping predicates, recorded on a synthetic
// "compensable/..." subject per completed activity that declared a
// compensation handler (spec.md §9's Compensable glossary entry), so
// TriggerCompensation can later replay handlers in reverse completion order
// without needing a live token at the completed activity.
const (
	predCompensableInstance = "compensableInstance"
	predCompensableActivity = "compensableActivity"
	predCompensableBoundary = "compensableBoundary"
	predCompensableSeq      = "compensableSeq"
	predHasCompensable      = "hasCompensable"
	predCompensationSeqNext = "compensationSeqNext"
)

type compensableRecord struct {
	URI         string
	ActivityURI string
	BoundaryURI string
	Seq         int
}

// recordIfCompensable checks node for an attached compensation boundary
// event and, if one exists, logs node's completion as Compensable so a
// later TriggerCompensation call can find and replay it. Called from every
// activity-completion path (runServiceTask, CompleteTask,
// CompleteSubprocess) once that activity's own work has finished
// successfully.
func (e *Engine) recordIfCompensable(idx *definition.Index, instanceURI string, node definition.Node) error {
	var boundary definition.Node
	found := false
	for _, b := range idx.BoundaryEventsOf(node.URI) {
		if b.IsCompensation {
			boundary = b
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	seq, err := e.nextCompensationSeq(instanceURI)
	if err != nil {
		return err
	}
	recordURI := "compensable/" + node.URI + "/" + strconv.Itoa(seq)
	if err := e.graph.Set(recordURI, predCompensableInstance, instanceURI); err != nil {
		return err
	}
	if err := e.graph.Set(recordURI, predCompensableActivity, node.URI); err != nil {
		return err
	}
	if err := e.graph.Set(recordURI, predCompensableBoundary, boundary.URI); err != nil {
		return err
	}
	if err := e.graph.Set(recordURI, predCompensableSeq, strconv.Itoa(seq)); err != nil {
		return err
	}
	return e.graph.Add(instanceURI, predHasCompensable, recordURI)
}

// nextCompensationSeq hands out a monotonically increasing sequence number
// per instance, used purely to order Compensable records by completion time
// without depending on wall-clock timestamps.
func (e *Engine) nextCompensationSeq(instanceURI string) (int, error) {
	next := 1
	if v, ok := e.graph.Value(instanceURI, predCompensationSeqNext); ok {
		if n, err := strconv.Atoi(v); err == nil {
			next = n
		}
	}
	if err := e.graph.Set(instanceURI, predCompensationSeqNext, strconv.Itoa(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

// compensablesFor returns every Compensable recorded against instanceURI, in
// reverse completion order (most recently completed first).
func (e *Engine) compensablesFor(instanceURI string) ([]compensableRecord, error) {
	rows, err := e.graph.Triples(graphstore.Pattern{Subject: instanceURI, Predicate: predHasCompensable})
	if err != nil {
		return nil, err
	}
	records := make([]compensableRecord, 0, len(rows))
	for _, row := range rows {
		recordURI := row.Object
		rec := compensableRecord{URI: recordURI}
		rec.ActivityURI, _ = e.graph.Value(recordURI, predCompensableActivity)
		rec.BoundaryURI, _ = e.graph.Value(recordURI, predCompensableBoundary)
		if v, ok := e.graph.Value(recordURI, predCompensableSeq); ok {
			rec.Seq, _ = strconv.Atoi(v)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq > records[j].Seq })
	return records, nil
}

// compensateScope is TriggerCompensation's and CancelInstance's shared,
// lane-unaware implementation; both callers already hold instanceURI's lane.
// It replays only the Compensables recorded against instanceURI itself, most
// recently completed first; Compensables recorded by a child instance that a
// Subprocess/CallActivity spawned are not visited.
func (e *Engine) compensateScope(instanceURI, scopeActivityURI string) error {
	if err := e.publish(eventbus.CompensationTriggeredEvent{InstanceURI: instanceURI, ActivityURI: scopeActivityURI}); err != nil {
		return err
	}

	idx, err := e.indexForInstance(instanceURI)
	if err != nil {
		return err
	}

	records, err := e.compensablesFor(instanceURI)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if scopeActivityURI != "" && rec.ActivityURI != scopeActivityURI {
			continue
		}
		boundary, ok := idx.Node(rec.BoundaryURI)
		if !ok {
			continue
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
		if err := e.advance(idx, instanceURI, branchToken); err != nil {
			return err
		}
	}
	return nil
}

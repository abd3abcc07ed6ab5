// Package definition implements the read-only Definition Index (C2): map-backed
// lookups (ConditionOf scans the flow lists) over a process's node/flow subgraph, built once per loaded
// process and treated as immutable during execution (spec.md §4.2).
//
// The predicate names below are this engine's concrete URI-prefix
// convention for the abstract "Process Definition" entities in spec.md §3;
// nothing in the spec mandates these exact strings, only the node/flow
// shape they encode.
package definition

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/model"
)

// Predicate names used in the definition subgraph.
const (
	PredType           = "type"
	PredHasNode        = "hasNode"
	PredHasFlow        = "hasFlow"
	PredStartEvent     = "startEvent"
	PredTopic          = "topic"
	PredMessageName    = "messageName"
	PredTimer          = "timer"
	PredErrorCode      = "errorCode"
	PredAttachedTo     = "attachedTo"
	PredIsInterrupting = "isInterrupting"
	PredIsTerminateEnd = "isTerminateEnd"
	PredCalledProcess  = "calledProcess"
	PredIsCompensation = "isCompensation"
	PredIsMultiInstance = "isMultiInstance"
	PredMaxIterations   = "maxIterations"
	PredIsParallel      = "isParallel"

	PredAssignee        = "assignee"
	PredCandidateUsers  = "candidateUsers"
	PredCandidateGroups = "candidateGroups"
	PredFormData        = "formData"
	PredDueDate         = "dueDate"
	PredPriority        = "priority"

	PredSource            = "source"
	PredTarget            = "target"
	PredOrder             = "order"
	PredIsDefault         = "isDefault"
	PredConditionVariable = "conditionVariable"
	PredConditionOperator = "conditionOperator"
	PredConditionValue    = "conditionValue"
	PredConditionAsk      = "conditionAsk"
)

// Node is the tagged-variant descriptor the step loop switches on, replacing
// the source's duck-typed predicate matching (SPEC_FULL.md §9).
type Node struct {
	URI             string
	Type            model.NodeType
	Topic           string
	MessageName     string
	Timer           string
	ErrorCode       string
	AttachedTo      string
	IsInterrupting  bool
	IsTerminateEnd  bool
	IsCompensation  bool   // BoundaryEvent: a compensation handler rather than a timer/message/error catch
	CalledProcess   string // Subprocess/CallActivity: the process URI a child instance is started from
	IsMultiInstance bool   // activity carries a sequential or parallel loop characteristic
	MaxIterations   int    // hard cap on loop iterations; 0 means the engine default
	Parallel        bool   // multi-instance loop runs all iterations concurrently rather than one at a time

	// UserTask assignment metadata (spec.md §3's Task entity), sourced from
	// the process definition and copied onto each Task createTask mints.
	Assignee        string
	CandidateUsers  []string
	CandidateGroups []string
	FormData        map[string]any
	DueDate         *time.Time
	Priority        *int
}

// Condition is a sequence flow's routing predicate. Exactly one of the two
// shapes is normally populated; per the resolved Open Question in
// SPEC_FULL.md §9, when both are present the ASK query wins.
type Condition struct {
	Variable string
	Operator model.Operator
	Value    string
	AskQuery string // "?instance"-bound ASK pattern, evaluated via graphstore.Store.Ask
}

// HasAsk reports whether c carries an ASK-query condition.
func (c Condition) HasAsk() bool { return c.AskQuery != "" }

// HasStructured reports whether c carries a structured operator condition.
func (c Condition) HasStructured() bool { return c.Variable != "" && c.Operator != "" }

// Flow is a sequence flow between two nodes.
type Flow struct {
	URI       string
	Source    string
	Target    string
	Order     int
	IsDefault bool
	Condition *Condition
}

// Index is the immutable, per-process lookup table.
type Index struct {
	processURI string
	nodes      map[string]Node
	outgoing   map[string][]Flow
	incoming   map[string][]Flow
	boundary   map[string][]Node
	startEvent string
}

// Build scans processURI's hasNode/hasFlow membership triples in store and
// constructs the index. The graph is read once; subsequent mutation of the
// definition subgraph requires calling Build again (spec.md §4.2).
func Build(store *graphstore.Store, processURI string) (*Index, error) {
	idx := &Index{
		processURI: processURI,
		nodes:      make(map[string]Node),
		outgoing:   make(map[string][]Flow),
		incoming:   make(map[string][]Flow),
		boundary:   make(map[string][]Node),
	}

	nodeTriples, err := store.Triples(graphstore.Pattern{Subject: processURI, Predicate: PredHasNode})
	if err != nil {
		return nil, fmt.Errorf("definition: list nodes: %w", err)
	}
	for _, t := range nodeTriples {
		node, err := loadNode(store, t.Object)
		if err != nil {
			return nil, err
		}
		idx.nodes[node.URI] = node
		if node.AttachedTo != "" {
			idx.boundary[node.AttachedTo] = append(idx.boundary[node.AttachedTo], node)
		}
	}

	flowTriples, err := store.Triples(graphstore.Pattern{Subject: processURI, Predicate: PredHasFlow})
	if err != nil {
		return nil, fmt.Errorf("definition: list flows: %w", err)
	}
	for _, t := range flowTriples {
		flow, err := loadFlow(store, t.Object)
		if err != nil {
			return nil, err
		}
		idx.outgoing[flow.Source] = append(idx.outgoing[flow.Source], flow)
		idx.incoming[flow.Target] = append(idx.incoming[flow.Target], flow)
	}
	for src := range idx.outgoing {
		sort.Slice(idx.outgoing[src], func(i, j int) bool {
			return idx.outgoing[src][i].Order < idx.outgoing[src][j].Order
		})
	}

	if start, ok := store.Value(processURI, PredStartEvent); ok {
		idx.startEvent = start
	}

	return idx, nil
}

func loadNode(store *graphstore.Store, uri string) (Node, error) {
	n := Node{URI: uri}
	typeStr, ok := store.Value(uri, PredType)
	if !ok {
		return Node{}, fmt.Errorf("definition: node %s has no type", uri)
	}
	n.Type = model.NodeType(typeStr)
	n.Topic, _ = store.Value(uri, PredTopic)
	n.MessageName, _ = store.Value(uri, PredMessageName)
	n.Timer, _ = store.Value(uri, PredTimer)
	n.ErrorCode, _ = store.Value(uri, PredErrorCode)
	n.AttachedTo, _ = store.Value(uri, PredAttachedTo)
	n.CalledProcess, _ = store.Value(uri, PredCalledProcess)
	if v, ok := store.Value(uri, PredIsInterrupting); ok {
		n.IsInterrupting, _ = strconv.ParseBool(v)
	}
	if v, ok := store.Value(uri, PredIsTerminateEnd); ok {
		n.IsTerminateEnd, _ = strconv.ParseBool(v)
	}
	if v, ok := store.Value(uri, PredIsCompensation); ok {
		n.IsCompensation, _ = strconv.ParseBool(v)
	}
	if v, ok := store.Value(uri, PredIsMultiInstance); ok {
		n.IsMultiInstance, _ = strconv.ParseBool(v)
	}
	if v, ok := store.Value(uri, PredMaxIterations); ok {
		n.MaxIterations, _ = strconv.Atoi(v)
	}
	if v, ok := store.Value(uri, PredIsParallel); ok {
		n.Parallel, _ = strconv.ParseBool(v)
	}
	n.Assignee, _ = store.Value(uri, PredAssignee)
	if v, ok := store.Value(uri, PredCandidateUsers); ok && v != "" {
		n.CandidateUsers = strings.Split(v, ",")
	}
	if v, ok := store.Value(uri, PredCandidateGroups); ok && v != "" {
		n.CandidateGroups = strings.Split(v, ",")
	}
	if v, ok := store.Value(uri, PredFormData); ok && v != "" {
		var fd map[string]any
		if err := json.Unmarshal([]byte(v), &fd); err == nil {
			n.FormData = fd
		}
	}
	if v, ok := store.Value(uri, PredDueDate); ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			n.DueDate = &t
		}
	}
	if v, ok := store.Value(uri, PredPriority); ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			n.Priority = &p
		}
	}
	return n, nil
}

func loadFlow(store *graphstore.Store, uri string) (Flow, error) {
	f := Flow{URI: uri}
	var ok bool
	f.Source, ok = store.Value(uri, PredSource)
	if !ok {
		return Flow{}, fmt.Errorf("definition: flow %s has no source", uri)
	}
	f.Target, ok = store.Value(uri, PredTarget)
	if !ok {
		return Flow{}, fmt.Errorf("definition: flow %s has no target", uri)
	}
	if v, ok := store.Value(uri, PredOrder); ok {
		f.Order, _ = strconv.Atoi(v)
	}
	if v, ok := store.Value(uri, PredIsDefault); ok {
		f.IsDefault, _ = strconv.ParseBool(v)
	}

	cond := Condition{}
	hasCond := false
	if v, ok := store.Value(uri, PredConditionVariable); ok {
		cond.Variable = v
		hasCond = true
	}
	if v, ok := store.Value(uri, PredConditionOperator); ok {
		cond.Operator = model.Operator(v)
		hasCond = true
	}
	if v, ok := store.Value(uri, PredConditionValue); ok {
		cond.Value = v
		hasCond = true
	}
	if v, ok := store.Value(uri, PredConditionAsk); ok {
		cond.AskQuery = v
		hasCond = true
	}
	if hasCond {
		f.Condition = &cond
	}
	return f, nil
}

// NodeType returns the node's tagged type.
func (idx *Index) NodeType(nodeURI string) (model.NodeType, bool) {
	n, ok := idx.nodes[nodeURI]
	if !ok {
		return "", false
	}
	return n.Type, true
}

// Node returns the full descriptor for nodeURI.
func (idx *Index) Node(nodeURI string) (Node, bool) {
	n, ok := idx.nodes[nodeURI]
	return n, ok
}

// OutgoingFlows returns nodeURI's outgoing flows in definition order.
func (idx *Index) OutgoingFlows(nodeURI string) []Flow {
	return idx.outgoing[nodeURI]
}

// IncomingFlows returns nodeURI's incoming flows.
func (idx *Index) IncomingFlows(nodeURI string) []Flow {
	return idx.incoming[nodeURI]
}

// DefaultFlow returns nodeURI's default flow, if any.
func (idx *Index) DefaultFlow(nodeURI string) (Flow, bool) {
	for _, f := range idx.outgoing[nodeURI] {
		if f.IsDefault {
			return f, true
		}
	}
	return Flow{}, false
}

// ConditionOf returns flowURI's condition, if any.
func (idx *Index) ConditionOf(flowURI string) (Condition, bool) {
	for _, flows := range idx.outgoing {
		for _, f := range flows {
			if f.URI == flowURI && f.Condition != nil {
				return *f.Condition, true
			}
		}
	}
	return Condition{}, false
}

// BoundaryEventsOf returns the boundary events attached to activityURI.
func (idx *Index) BoundaryEventsOf(activityURI string) []Node {
	return idx.boundary[activityURI]
}

// StartEventOf returns the process's start event node.
func (idx *Index) StartEventOf() (Node, bool) {
	if idx.startEvent == "" {
		return Node{}, false
	}
	return idx.Node(idx.startEvent)
}

// ErrorHandlersOf finds an error boundary event matching errorCode among the
// boundary events attached to activityURI itself; it does not look at any
// enclosing activity. Build does not know the enclosure chain (subprocess
// nesting is an engine-level, not a definition-level, relationship — see
// token.Manager's ParentTokenURI), so the caller walks parent tokens and
// calls this once per enclosing activity's URI.
func (idx *Index) ErrorHandlersOf(activityURI, errorCode string) (Node, bool) {
	for _, b := range idx.boundary[activityURI] {
		if b.Type == model.NodeBoundaryEvent && b.ErrorCode == errorCode {
			return b, true
		}
	}
	return Node{}, false
}

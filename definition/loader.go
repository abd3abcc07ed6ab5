package definition

import (
	"fmt"
	"strconv"

	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/model"
)

// Loader writes process-definition triples into a graphstore.Store. Per
// spec.md §1 Non-goals, this engine does not parse BPMN XML or any other
// definition wire format — a definition is "assumed already loaded into the
// graph". Loader is the programmatic seam through which something upstream
// (a BPMN importer, a test fixture, a REST admin endpoint) performs that
// loading; it only knows the node/flow/condition triple shape, nothing
// about where the definition came from.
type Loader struct {
	store      *graphstore.Store
	processURI string
}

// NewLoader returns a Loader that writes nodes and flows as members of processURI.
func NewLoader(store *graphstore.Store, processURI string) *Loader {
	return &Loader{store: store, processURI: processURI}
}

// NodeSpec describes one node to add.
type NodeSpec struct {
	URI            string
	Type           model.NodeType
	Topic          string
	MessageName    string
	Timer          string
	ErrorCode      string
	AttachedTo     string
	IsInterrupting bool
	IsTerminateEnd bool
	IsStartEvent   bool
	CalledProcess  string
}

// AddNode writes spec's triples and registers it under the process.
func (l *Loader) AddNode(spec NodeSpec) error {
	if err := l.store.Add(l.processURI, PredHasNode, spec.URI); err != nil {
		return fmt.Errorf("definition: register node: %w", err)
	}
	if err := l.store.Set(spec.URI, PredType, string(spec.Type)); err != nil {
		return err
	}
	if spec.Topic != "" {
		if err := l.store.Set(spec.URI, PredTopic, spec.Topic); err != nil {
			return err
		}
	}
	if spec.MessageName != "" {
		if err := l.store.Set(spec.URI, PredMessageName, spec.MessageName); err != nil {
			return err
		}
	}
	if spec.Timer != "" {
		if err := l.store.Set(spec.URI, PredTimer, spec.Timer); err != nil {
			return err
		}
	}
	if spec.ErrorCode != "" {
		if err := l.store.Set(spec.URI, PredErrorCode, spec.ErrorCode); err != nil {
			return err
		}
	}
	if spec.AttachedTo != "" {
		if err := l.store.Set(spec.URI, PredAttachedTo, spec.AttachedTo); err != nil {
			return err
		}
	}
	if spec.IsInterrupting {
		if err := l.store.Set(spec.URI, PredIsInterrupting, "true"); err != nil {
			return err
		}
	}
	if spec.IsTerminateEnd {
		if err := l.store.Set(spec.URI, PredIsTerminateEnd, "true"); err != nil {
			return err
		}
	}
	if spec.IsStartEvent {
		if err := l.store.Set(l.processURI, PredStartEvent, spec.URI); err != nil {
			return err
		}
	}
	if spec.CalledProcess != "" {
		if err := l.store.Set(spec.URI, PredCalledProcess, spec.CalledProcess); err != nil {
			return err
		}
	}
	return nil
}

// FlowSpec describes one sequence flow to add.
type FlowSpec struct {
	URI       string
	Source    string
	Target    string
	Order     int
	IsDefault bool
	Condition *Condition
}

// AddFlow writes spec's triples and registers it under the process.
func (l *Loader) AddFlow(spec FlowSpec) error {
	if err := l.store.Add(l.processURI, PredHasFlow, spec.URI); err != nil {
		return fmt.Errorf("definition: register flow: %w", err)
	}
	if err := l.store.Set(spec.URI, PredSource, spec.Source); err != nil {
		return err
	}
	if err := l.store.Set(spec.URI, PredTarget, spec.Target); err != nil {
		return err
	}
	if err := l.store.Set(spec.URI, PredOrder, strconv.Itoa(spec.Order)); err != nil {
		return err
	}
	if spec.IsDefault {
		if err := l.store.Set(spec.URI, PredIsDefault, "true"); err != nil {
			return err
		}
	}
	if spec.Condition != nil {
		c := spec.Condition
		if c.Variable != "" {
			if err := l.store.Set(spec.URI, PredConditionVariable, c.Variable); err != nil {
				return err
			}
		}
		if c.Operator != "" {
			if err := l.store.Set(spec.URI, PredConditionOperator, string(c.Operator)); err != nil {
				return err
			}
		}
		if c.Value != "" {
			if err := l.store.Set(spec.URI, PredConditionValue, c.Value); err != nil {
				return err
			}
		}
		if c.AskQuery != "" {
			if err := l.store.Set(spec.URI, PredConditionAsk, c.AskQuery); err != nil {
				return err
			}
		}
	}
	return nil
}

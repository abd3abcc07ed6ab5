package eventbus

import "time"

// Event taxonomy (spec.md §6), grounded field-for-field on
// original_source/src/api/events/execution_events.py. Every event is a
// closed, explicit Go struct rather than the reflective attribute bag the
// Python dataclasses allowed — see SPEC_FULL.md §9's "Reflection-like RDF
// property enumeration" design note.

// Event is implemented by every publishable record. isEvent is unexported
// so only this package can mint new event kinds.
type Event interface {
	isEvent()
}

type base struct{}

func (base) isEvent() {}

// TokenMovedEvent reports a token advancing to one or more target nodes.
type TokenMovedEvent struct {
	base
	TokenURI        string
	TargetNodes     []string
	InstanceURI     string
	ConsumeOriginal bool
}

// TokenCreatedEvent reports a new token coming into existence.
type TokenCreatedEvent struct {
	base
	InstanceURI   string
	NodeURI       string
	ParentTokenURI string
	LoopIndex     *int
}

// TokenConsumedEvent reports a token leaving the live set.
type TokenConsumedEvent struct {
	base
	TokenURI    string
	InstanceURI string
}

// TaskCreatedEvent reports a UserTask node creating a task.
type TaskCreatedEvent struct {
	base
	InstanceURI     string
	NodeURI         string
	TokenURI        string
	TaskName        string
	Assignee        string
	CandidateUsers  []string
	CandidateGroups []string
	FormData        map[string]any
	DueDate         *time.Time
	Priority        *int
}

// TaskCompletedEvent reports a task being completed externally.
type TaskCompletedEvent struct {
	base
	TaskURI     string
	InstanceURI string
	NodeURI     string
	TokenURI    string
	CompletedBy string
	Variables   map[string]any
}

// VariableSetEvent reports a variable binding being written.
type VariableSetEvent struct {
	base
	InstanceURI string
	Name        string
	Value       any
	Datatype    string
	LoopIndex   *int
}

// MessageSentEvent reports a message being emitted for correlation.
type MessageSentEvent struct {
	base
	MessageName      string
	CorrelationKey   string
	Payload          map[string]any
	SourceInstanceURI string
	SourceNodeURI    string
}

// MessageReceivedEvent reports a waiting receive/catch being satisfied.
type MessageReceivedEvent struct {
	base
	InstanceURI string
	NodeURI     string
	TokenURI    string
	MessageName string
	Payload     map[string]any
}

// ErrorThrownEvent reports a definition, handler, or condition error.
type ErrorThrownEvent struct {
	base
	InstanceURI   string
	SourceNodeURI string
	ErrorCode     string
	ErrorMessage  string
	TokenURI      string
}

// CompensationTriggeredEvent reports a compensation request, scoped to one
// activity when ActivityURI is set, or the enclosing scope otherwise.
type CompensationTriggeredEvent struct {
	base
	InstanceURI   string
	ActivityURI   string
	SourceNodeURI string
}

// CancelTriggeredEvent reports a transaction-subprocess cancel.
type CancelTriggeredEvent struct {
	base
	InstanceURI     string
	TransactionURI  string
	SourceNodeURI   string
}

// TerminateTriggeredEvent reports an instance-wide terminate.
type TerminateTriggeredEvent struct {
	base
	InstanceURI   string
	SourceNodeURI string
}

// ServiceTaskExecuteEvent reports a ServiceTask about to invoke its topic handler.
type ServiceTaskExecuteEvent struct {
	base
	InstanceURI    string
	NodeURI        string
	TokenURI       string
	Topic          string
	InputVariables map[string]any
}

// ServiceTaskCompletedEvent reports a ServiceTask's handler finishing successfully.
type ServiceTaskCompletedEvent struct {
	base
	InstanceURI     string
	NodeURI         string
	TokenURI        string
	OutputVariables map[string]any
}

// SubprocessStartedEvent reports a child instance being created.
type SubprocessStartedEvent struct {
	base
	InstanceURI     string
	SubprocessURI   string
	ParentTokenURI  string
	InputVariables  map[string]any
	LoopIndex       *int
}

// SubprocessCompletedEvent reports a child instance reaching completed.
type SubprocessCompletedEvent struct {
	base
	InstanceURI     string
	SubprocessURI   string
	ParentTokenURI  string
	OutputVariables map[string]any
	LoopIndex       *int
}

// BoundaryEventTriggeredEvent reports a boundary event firing on a host activity.
type BoundaryEventTriggeredEvent struct {
	base
	InstanceURI     string
	BoundaryEventURI string
	AttachedToURI   string
	IsInterrupting  bool
	EventData       map[string]any
}

// AuditLogEvent is the pre-execution marker the step loop emits each time it
// visits a node, before dispatching on its type; C10 subscribes to this
// (among others) globally.
type AuditLogEvent struct {
	base
	InstanceURI string
	EventType   string
	NodeURI     string
	Details     map[string]any
	User        string
}

// InstanceStateChangedEvent reports an instance lifecycle transition.
type InstanceStateChangedEvent struct {
	base
	InstanceURI string
	OldState    string
	NewState    string
	Reason      string
}

// GatewayEvaluatedEvent reports a gateway routing decision.
type GatewayEvaluatedEvent struct {
	base
	InstanceURI   string
	GatewayURI    string
	TokenURI      string
	SelectedFlows []string
	GatewayType   string
}

// ListenerExecuteEvent reports a BPMN execution-listener invocation.
type ListenerExecuteEvent struct {
	base
	InstanceURI        string
	NodeURI            string
	ListenerType        string // one of start,end,take,create,assignment,complete
	ListenerClassOrExpr string
	Variables           map[string]any
}

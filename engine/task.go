package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flow.evalgo.org/definition"
	"flow.evalgo.org/eventbus"
	"flow.evalgo.org/graphstore"
	"flow.evalgo.org/instance"
	"flow.evalgo.org/model"

	"github.com/google/uuid"
)

// Task-bookkeeping predicates. A UserTask's lifecycle (spec.md §3's TaskState)
// is tracked on its own subject rather than on the token directly, since a
// completed task must remain queryable after its token has moved on.
const (
	predTaskInstance       = "taskInstance"
	predTaskNode           = "taskNode"
	predTaskToken          = "taskToken"
	predTaskState          = "taskState"
	predTaskAssignee       = "taskAssignee"
	predTaskCandidateUsers = "taskCandidateUsers"
	predTaskCandidateGroups = "taskCandidateGroups"
	predTaskFormData       = "taskFormData"
	predTaskDueDate        = "taskDueDate"
	predTaskPriority       = "taskPriority"
)

// Task is a human work item created by a UserTask node.
type Task struct {
	URI             string
	InstanceURI     string
	NodeURI         string
	TokenURI        string
	State           model.TaskState
	Assignee        string
	CandidateUsers  []string
	CandidateGroups []string
	FormData        map[string]any
	DueDate         *time.Time
	Priority        *int
}

// createTask mints a new task for node and records its owning instance,
// node, and token so CompleteTask can later resume the right place. The
// assignment metadata (assignee, candidates, form data, due date, priority)
// is copied verbatim from the UserTask's process-definition fields.
func (e *Engine) createTask(instanceURI, tokenURI string, node definition.Node) (string, error) {
	taskURI := newTaskURI()
	if err := e.graph.Set(taskURI, predTaskInstance, instanceURI); err != nil {
		return "", err
	}
	if err := e.graph.Set(taskURI, predTaskNode, node.URI); err != nil {
		return "", err
	}
	if err := e.graph.Set(taskURI, predTaskToken, tokenURI); err != nil {
		return "", err
	}
	if err := e.graph.Set(taskURI, predTaskState, string(model.TaskCreated)); err != nil {
		return "", err
	}
	if node.Assignee != "" {
		if err := e.graph.Set(taskURI, predTaskAssignee, node.Assignee); err != nil {
			return "", err
		}
	}
	if len(node.CandidateUsers) > 0 {
		if err := e.graph.Set(taskURI, predTaskCandidateUsers, strings.Join(node.CandidateUsers, ",")); err != nil {
			return "", err
		}
	}
	if len(node.CandidateGroups) > 0 {
		if err := e.graph.Set(taskURI, predTaskCandidateGroups, strings.Join(node.CandidateGroups, ",")); err != nil {
			return "", err
		}
	}
	if len(node.FormData) > 0 {
		data, err := json.Marshal(node.FormData)
		if err != nil {
			return "", fmt.Errorf("engine: encode task form data: %w", err)
		}
		if err := e.graph.Set(taskURI, predTaskFormData, string(data)); err != nil {
			return "", err
		}
	}
	if node.DueDate != nil {
		if err := e.graph.Set(taskURI, predTaskDueDate, node.DueDate.Format(time.RFC3339)); err != nil {
			return "", err
		}
	}
	if node.Priority != nil {
		if err := e.graph.Set(taskURI, predTaskPriority, strconv.Itoa(*node.Priority)); err != nil {
			return "", err
		}
	}
	return taskURI, nil
}

// TaskForToken returns the task URI created for tokenURI, if any.
func (e *Engine) TaskForToken(tokenURI string) (string, bool) {
	rows, err := e.graph.Query(graphstore.Pattern{Subject: "?task", Predicate: predTaskToken, Object: tokenURI})
	if err != nil || len(rows) == 0 {
		return "", false
	}
	return rows[0]["task"], true
}

// GetTask returns taskURI's current state.
func (e *Engine) GetTask(taskURI string) (Task, error) {
	t := Task{URI: taskURI}
	var ok bool
	t.InstanceURI, ok = e.graph.Value(taskURI, predTaskInstance)
	if !ok {
		return Task{}, fmt.Errorf("engine: task %s not found", taskURI)
	}
	t.NodeURI, _ = e.graph.Value(taskURI, predTaskNode)
	t.TokenURI, _ = e.graph.Value(taskURI, predTaskToken)
	if s, ok := e.graph.Value(taskURI, predTaskState); ok {
		t.State = model.TaskState(s)
	}
	t.Assignee, _ = e.graph.Value(taskURI, predTaskAssignee)
	if v, ok := e.graph.Value(taskURI, predTaskCandidateUsers); ok && v != "" {
		t.CandidateUsers = strings.Split(v, ",")
	}
	if v, ok := e.graph.Value(taskURI, predTaskCandidateGroups); ok && v != "" {
		t.CandidateGroups = strings.Split(v, ",")
	}
	if v, ok := e.graph.Value(taskURI, predTaskFormData); ok && v != "" {
		var fd map[string]any
		if err := json.Unmarshal([]byte(v), &fd); err == nil {
			t.FormData = fd
		}
	}
	if v, ok := e.graph.Value(taskURI, predTaskDueDate); ok && v != "" {
		if dd, err := time.Parse(time.RFC3339, v); err == nil {
			t.DueDate = &dd
		}
	}
	if v, ok := e.graph.Value(taskURI, predTaskPriority); ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			t.Priority = &p
		}
	}
	return t, nil
}

// CompleteTask marks taskURI completed, binds outputVariables at instance
// scope, and resumes the step loop past the UserTask node.
// This is one of the Execution Core's public entry points and is serialized
// through the owning instance's lane like StartInstance/ResumeInstance/
// DeliverMessage/SignalTimer.
func (e *Engine) CompleteTask(taskURI, completedBy string, outputVariables map[string]string) error {
	task, err := e.GetTask(taskURI)
	if err != nil {
		return err
	}
	if task.State == model.TaskCompleted || task.State == model.TaskCancelled {
		return fmt.Errorf("engine: task %s is already %s", taskURI, task.State)
	}

	processURI, ok := e.graph.Value(task.InstanceURI, instance.PredProcess)
	if !ok {
		return fmt.Errorf("engine: instance %s has no process", task.InstanceURI)
	}
	idx, err := e.indexFor(processURI)
	if err != nil {
		return err
	}

	return e.withLane(task.InstanceURI, func() error {
		variables := make(map[string]any, len(outputVariables))
		for name, value := range outputVariables {
			if err := e.instances.SetVariable(task.InstanceURI, name, value, instance.XSDString, ""); err != nil {
				return err
			}
			variables[name] = value
		}
		if err := e.graph.Set(taskURI, predTaskState, string(model.TaskCompleted)); err != nil {
			return err
		}
		if err := e.publish(eventbus.TaskCompletedEvent{TaskURI: taskURI, InstanceURI: task.InstanceURI, NodeURI: task.NodeURI, TokenURI: task.TokenURI, CompletedBy: completedBy, Variables: variables}); err != nil {
			return err
		}

		node, ok := idx.Node(task.NodeURI)
		if !ok {
			return fmt.Errorf("engine: task %s at unknown node %s", taskURI, task.NodeURI)
		}
		if err := e.recordIfCompensable(idx, task.InstanceURI, node); err != nil {
			return err
		}
		if err := e.cancelBoundaryWaits(task.TokenURI); err != nil {
			return err
		}

		tok, err := e.tokens.Get(task.TokenURI)
		if err != nil {
			return err
		}
		if err := e.tokens.Resume(task.TokenURI); err != nil {
			return err
		}
		if tok.LoopIndex != 0 {
			return e.advanceMultiInstanceIteration(idx, task.InstanceURI, node, task.TokenURI, tok.LoopIndex)
		}
		flow, err := singleOutgoing(idx, task.NodeURI)
		if err != nil {
			return err
		}
		if err := e.moveAlong(task.InstanceURI, task.TokenURI, flow); err != nil {
			return err
		}
		return e.advance(idx, task.InstanceURI, task.TokenURI)
	})
}

// CancelTask marks taskURI cancelled without resuming its token, e.g. when
// the owning instance is being cancelled outright.
func (e *Engine) CancelTask(taskURI string) error {
	return e.graph.Set(taskURI, predTaskState, string(model.TaskCancelled))
}

func newTaskURI() string {
	return "task/" + uuid.NewString()
}

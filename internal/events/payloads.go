package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskCreatedPayload struct {
	TaskID   string `json:"task_id"`
	Name     string `json:"name"`
	ConvoyID string `json:"convoy_id,omitempty"`
	Priority int    `json:"priority"`
}

func (TaskCreatedPayload) EventType() EventType { return EventTaskCreated }

type TaskTransitionPayload struct {
	TaskID    string `json:"task_id"`
	ConvoyID  string `json:"convoy_id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Iteration int    `json:"iteration"`
}

func (TaskTransitionPayload) EventType() EventType { return EventTaskTransition }

type TaskEscalationPayload struct {
	TaskID        string `json:"task_id"`
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	ApprovalID    string `json:"approval_id,omitempty"`
}

func (TaskEscalationPayload) EventType() EventType { return EventTaskEscalation }

// =============================================================================
// CONVOY EVENTS
// =============================================================================

type ConvoyCreatedPayload struct {
	ConvoyID  string   `json:"convoy_id"`
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func (ConvoyCreatedPayload) EventType() EventType { return EventConvoyCreated }

type ConvoyTransitionPayload struct {
	ConvoyID string `json:"convoy_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

func (ConvoyTransitionPayload) EventType() EventType { return EventConvoyTransition }

type ConvoyProgressPayload struct {
	ConvoyID        string `json:"convoy_id"`
	Total           int    `json:"total"`
	Completed       int    `json:"completed"`
	Failed          int    `json:"failed"`
	PercentComplete int    `json:"percent_complete"`
	AllComplete     bool   `json:"all_complete"`
}

func (ConvoyProgressPayload) EventType() EventType { return EventConvoyProgress }

// =============================================================================
// GOVERNANCE EVENTS
// =============================================================================

type CostRecordedPayload struct {
	EntryID       string  `json:"entry_id"`
	Amount        float64 `json:"amount"`
	Description   string  `json:"description"`
	TaskID        string  `json:"task_id,omitempty"`
	WorkerID      string  `json:"worker_id,omitempty"`
	SpentInWindow float64 `json:"spent_in_window"`
}

func (CostRecordedPayload) EventType() EventType { return EventCostRecorded }

type BudgetPausedPayload struct {
	Reason        string  `json:"reason"`
	HourlyLimit   float64 `json:"hourly_limit"`
	SpentInWindow float64 `json:"spent_in_window"`
}

func (BudgetPausedPayload) EventType() EventType { return EventBudgetPaused }

type BudgetResumedPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (BudgetResumedPayload) EventType() EventType { return EventBudgetResumed }

type AgentRegisteredPayload struct {
	AgentID     string `json:"agent_id"`
	WorkerClass string `json:"worker_class"`
	TaskID      string `json:"task_id,omitempty"`
	Active      int    `json:"active"`
}

func (AgentRegisteredPayload) EventType() EventType { return EventAgentRegistered }

type AgentUnregisteredPayload struct {
	AgentID string `json:"agent_id"`
	Active  int    `json:"active"`
}

func (AgentUnregisteredPayload) EventType() EventType { return EventAgentUnregistered }

type ApprovalRequestedPayload struct {
	ApprovalID string `json:"approval_id"`
	Reason     string `json:"reason"`
	Category   string `json:"category,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Priority   int    `json:"priority"`
}

func (ApprovalRequestedPayload) EventType() EventType { return EventApprovalRequested }

type ApprovalResolvedPayload struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
	Notes      string `json:"notes,omitempty"`
}

func (ApprovalResolvedPayload) EventType() EventType { return EventApprovalResolved }

type RollbackPayload struct {
	RollbackID       string `json:"rollback_id"`
	Reason           string `json:"reason"`
	Success          bool   `json:"success"`
	BeforeCheckpoint string `json:"before_checkpoint,omitempty"`
	AfterCheckpoint  string `json:"after_checkpoint,omitempty"`
	RevertedCount    int    `json:"reverted_count"`
	Error            string `json:"error,omitempty"`
}

func (RollbackPayload) EventType() EventType { return EventRollback }

type MaintenancePayload struct {
	Job        string `json:"job"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (MaintenancePayload) EventType() EventType { return EventMaintenance }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewTypedEventFor(source, payload, "")
}

// NewTypedEventFor creates a typed event about a specific entity.
func NewTypedEventFor(source EventSource, payload EventPayload, subject string) Event {
	return Event{
		ID:        generateEventID(),
		Subject:   subject,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

package events

import "testing"

func TestTypedEvent_TaskTransition(t *testing.T) {
	payload := TaskTransitionPayload{
		TaskID:    "task_1",
		ConvoyID:  "convoy_1",
		From:      "in_progress",
		To:        "failed",
		Reason:    "compile error",
		Iteration: 2,
	}
	evt := NewTypedEventFor(SourceOrchestrator, payload, payload.TaskID)

	if evt.Type != EventTaskTransition {
		t.Fatalf("expected type %q, got %q", EventTaskTransition, evt.Type)
	}
	if evt.Subject != "task_1" {
		t.Fatalf("expected subject %q, got %q", "task_1", evt.Subject)
	}
	got, ok := ExtractPayload[TaskTransitionPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got != payload {
		t.Fatalf("payload = %+v, want %+v", got, payload)
	}
}

func TestTypedEvent_CostRecorded(t *testing.T) {
	payload := CostRecordedPayload{EntryID: "c1", Amount: 2.5, Description: "render", SpentInWindow: 9.5}
	evt := NewTypedEvent(SourceGovernor, payload)

	got, ok := ExtractPayload[CostRecordedPayload](evt)
	if !ok {
		t.Fatal("ExtractPayload returned false")
	}
	if got.Amount != 2.5 || got.SpentInWindow != 9.5 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestExtractPayload_WrongType(t *testing.T) {
	evt := NewTypedEvent(SourceGovernor, BudgetResumedPayload{Reason: "operator"})

	if _, ok := ExtractPayload[TaskCreatedPayload](evt); ok {
		t.Fatal("expected ExtractPayload to reject a mismatched event type")
	}
}

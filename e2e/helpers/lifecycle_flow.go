// Command lifecycle_flow exercises the fail/retry/escalation lifecycle via WS.
//
// It connects to a running overseer gateway, builds a two-task convoy with a
// retry ceiling of 2, fails the first task until escalation is required,
// escalates, approves, and resets the iteration counter under that approval.
//
// Usage: lifecycle_flow -gateway ws://127.0.0.1:PORT/api/ws [-token TOKEN]
//
// Exit codes:
//
//	0 = all checks passed
//	1 = a check failed
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	wsclient "github.com/dohr-michael/overseer/clients/ws"
)

func main() {
	gatewayURL := flag.String("gateway", "ws://127.0.0.1:18430/api/ws", "Gateway WS URL")
	token := flag.String("token", os.Getenv("OVERSEER_TOKEN"), "Gateway bearer token")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *gatewayURL, *token); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

type flow struct {
	client *wsclient.Client
}

func (f *flow) call(method string, params map[string]string, out any) error {
	raw, err := f.client.Call(method, params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type entity struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func run(ctx context.Context, gatewayURL, token string) error {
	client, err := wsclient.Dial(ctx, gatewayURL, token)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()
	f := &flow{client: client}

	// ── Step 1: convoy with build -> verify ─────────────────────────────
	var convoy entity
	if err := f.call("create_convoy", map[string]string{"name": "e2e-lifecycle", "worker_class": "builder"}, &convoy); err != nil {
		return err
	}
	var build, verify entity
	if err := f.call("create_task", map[string]string{
		"name": "build", "convoy_id": convoy.ID, "max_iterations": "2",
	}, &build); err != nil {
		return err
	}
	if err := f.call("create_task", map[string]string{
		"name": "verify", "convoy_id": convoy.ID, "depends_on": build.ID,
	}, &verify); err != nil {
		return err
	}
	fmt.Printf("CHECK convoy %s with tasks %s, %s\n", convoy.ID, build.ID, verify.ID)

	// ── Step 2: dependent task cannot be assigned yet ───────────────────
	err = f.call("assign_task", map[string]string{"id": verify.ID}, nil)
	var cmdErr *wsclient.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Kind != "precondition_failed" {
		return fmt.Errorf("assign blocked task: got %v, want precondition_failed", err)
	}
	fmt.Println("CHECK dependent task blocked")

	// ── Step 3: fail, retry, fail again ─────────────────────────────────
	var result struct {
		Iteration struct {
			Current int `json:"current"`
		} `json:"iteration"`
		EscalationRequired bool `json:"escalation_required"`
	}
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			if err := f.call("retry_task", map[string]string{"id": build.ID}, nil); err != nil {
				return err
			}
		}
		if err := f.call("assign_task", map[string]string{"id": build.ID}, nil); err != nil {
			return err
		}
		if err := f.call("start_task", map[string]string{"id": build.ID, "worker_id": "e2e-worker"}, nil); err != nil {
			return err
		}
		if err := f.call("fail_task", map[string]string{"id": build.ID, "reason": "compile error"}, &result); err != nil {
			return err
		}
		fmt.Printf("CHECK attempt %d failed: iteration=%d escalation=%v\n",
			attempt, result.Iteration.Current, result.EscalationRequired)
	}
	if !result.EscalationRequired || result.Iteration.Current != 2 {
		return fmt.Errorf("after two failures: iteration=%d escalation=%v", result.Iteration.Current, result.EscalationRequired)
	}

	var limit struct {
		Allowed bool `json:"allowed"`
	}
	if err := f.call("check_iteration_limit", map[string]string{"task_id": build.ID}, &limit); err != nil {
		return err
	}
	if limit.Allowed {
		return fmt.Errorf("iteration limit not reported as reached")
	}

	// ── Step 4: escalate, approve, reset ────────────────────────────────
	var approval entity
	if err := f.call("escalate", map[string]string{"task_id": build.ID}, &approval); err != nil {
		return err
	}
	fmt.Printf("CHECK escalated: approval %s\n", approval.ID)

	if err := f.call("resolve_approval", map[string]string{"id": approval.ID, "approved": "true", "notes": "e2e"}, nil); err != nil {
		return err
	}
	var info struct {
		Current int `json:"current"`
	}
	if err := f.call("reset_iterations", map[string]string{"task_id": build.ID, "approval_id": approval.ID}, &info); err != nil {
		return err
	}
	if info.Current != 0 {
		return fmt.Errorf("iterations after reset = %d, want 0", info.Current)
	}
	fmt.Println("CHECK iterations reset under approval")

	// ── Step 5: cleanup ─────────────────────────────────────────────────
	if err := f.call("cancel_convoy", map[string]string{"id": convoy.ID, "reason": "e2e done"}, nil); err != nil {
		return err
	}

	fmt.Println("CHECK all flow checks passed")
	return nil
}

package task

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTransition_MonotonicLifecycle(t *testing.T) {
	tk := &Task{ID: "t1"}

	if tk.Status() != StatusPending {
		t.Fatalf("expected new task to be pending, got %s", tk.Status())
	}
	if err := tk.Assign("seo"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if tk.AssignedAgent() != "seo" {
		t.Errorf("expected assigned agent 'seo', got %q", tk.AssignedAgent())
	}
	if err := tk.Transition(StatusRunning); err != nil {
		t.Fatalf("running: %v", err)
	}
	if err := tk.Transition(StatusCompleted); err != nil {
		t.Fatalf("completed: %v", err)
	}

	// Terminal: nothing else is allowed
	for _, to := range []Status{StatusPending, StatusRunning, StatusFailed, StatusCancelled} {
		if err := tk.Transition(to); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("transition completed -> %s: expected ErrInvalidTransition, got %v", to, err)
		}
	}
}

func TestTransition_Rules(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		to      Status
		wantErr bool
	}{
		{name: "pending to failed (unassigned)", to: StatusFailed},
		{name: "pending to cancelled", to: StatusCancelled},
		{name: "assigned to cancelled", path: []Status{StatusAssigned}, to: StatusCancelled},
		{name: "running cannot be cancelled", path: []Status{StatusAssigned, StatusRunning}, to: StatusCancelled, wantErr: true},
		{name: "pending cannot complete", to: StatusCompleted, wantErr: true},
		{name: "assigned cannot complete", path: []Status{StatusAssigned}, to: StatusCompleted, wantErr: true},
		{name: "running back to assigned", path: []Status{StatusAssigned, StatusRunning}, to: StatusAssigned, wantErr: true},
		{name: "assigned to failed (rate limit timeout)", path: []Status{StatusAssigned}, to: StatusFailed},
		{name: "cancelled is terminal", path: []Status{StatusCancelled}, to: StatusAssigned, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := &Task{ID: "t"}
			for _, s := range tt.path {
				if err := tk.Transition(s); err != nil {
					t.Fatalf("setup transition to %s: %v", s, err)
				}
			}
			err := tk.Transition(tt.to)
			if tt.wantErr && err == nil {
				t.Errorf("expected error transitioning to %s", tt.to)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	if StatusCancelled.String() != "cancelled" {
		t.Errorf("expected 'cancelled', got %q", StatusCancelled.String())
	}
	if !strings.HasPrefix(Status(42).String(), "status(") {
		t.Errorf("unexpected string for unknown status: %q", Status(42).String())
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	valid := func() *Task {
		return &Task{
			ID:        "t1",
			Type:      TypeSEOAnalysis,
			Domain:    "seobiz.be",
			Priority:  5,
			Payload:   SEOAnalysis{Keywords: []string{"seo"}},
			CreatedAt: now,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr string
	}{
		{name: "valid", mutate: func(*Task) {}},
		{name: "missing type", mutate: func(tk *Task) { tk.Type = "" }, wantErr: "no type"},
		{name: "missing domain", mutate: func(tk *Task) { tk.Domain = "" }, wantErr: "no domain"},
		{name: "priority too high", mutate: func(tk *Task) { tk.Priority = 11 }, wantErr: "priority"},
		{name: "negative priority", mutate: func(tk *Task) { tk.Priority = -1 }, wantErr: "priority"},
		{name: "nil payload", mutate: func(tk *Task) { tk.Payload = nil }, wantErr: "no payload"},
		{name: "payload kind mismatch", mutate: func(tk *Task) { tk.Payload = Analytics{Metrics: []string{"visits"}} }, wantErr: "carries"},
		{name: "payload invalid", mutate: func(tk *Task) { tk.Payload = SEOAnalysis{} }, wantErr: "keyword"},
		{name: "deadline before creation", mutate: func(tk *Task) { tk.Deadline = now.Add(-time.Minute) }, wantErr: "deadline"},
		{name: "generic payload adopts type", mutate: func(tk *Task) {
			tk.Type = "email_campaign"
			tk.Payload = Generic{Fields: map[string]any{"list": "news"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := valid()
			tt.mutate(tk)
			err := Validate(tk)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid task, got %v", err)
				}
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}

	if err := Validate(nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for nil task, got %v", err)
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(TypeContentGeneration, []byte(`{"topic":"mushrooms","target_length":1800}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cg, ok := p.(ContentGeneration)
	if !ok {
		t.Fatalf("expected ContentGeneration, got %T", p)
	}
	if cg.Topic != "mushrooms" || cg.TargetLength != 1800 {
		t.Errorf("unexpected payload: %+v", cg)
	}

	p, err = DecodePayload("email_campaign", []byte(`{"list":"news"}`))
	if err != nil {
		t.Fatalf("decode generic: %v", err)
	}
	g, ok := p.(Generic)
	if !ok || g.Fields["list"] != "news" {
		t.Errorf("expected generic payload with list=news, got %#v", p)
	}

	if _, err := DecodePayload(TypeAnalytics, []byte(`{"metrics":`)); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for malformed JSON, got %v", err)
	}
}

func TestPayloadSize(t *testing.T) {
	if PayloadSize(nil) != 0 {
		t.Errorf("expected 0 for nil payload")
	}
	// {"metrics":["a"]} is 17 bytes
	if got := PayloadSize(Analytics{Metrics: []string{"a"}}); got != 17 {
		t.Errorf("expected 17, got %d", got)
	}
	// Generic payloads are measured by their fields only: {"k":"v"} is 9 bytes
	if got := PayloadSize(Generic{Fields: map[string]any{"k": "v"}}); got != 9 {
		t.Errorf("expected 9, got %d", got)
	}
}

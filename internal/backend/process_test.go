package backend

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

func TestExecuteCommand_Stdin(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "cat")

	stdout, _, err := executeCommand(ctx, cmd, []byte(`{"task_id":"t1"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(stdout) != `{"task_id":"t1"}` {
		t.Errorf("expected stdin echoed back, got %q", stdout)
	}
}

// TestExecuteCommand_LargeOutput verifies no deadlock when output exceeds the pipe buffer.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 256KB on stdout and stderr, well above a 64KB pipe buffer
	script := `head -c 262144 /dev/zero | tr '\0' 'a'; head -c 262144 /dev/zero | tr '\0' 'b' >&2`
	cmd := newCommand(ctx, "sh", "-c", script)

	stdout, stderr, err := executeCommand(ctx, cmd, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stdout) != 262144 || len(stderr) != 262144 {
		t.Errorf("expected 256KB on each pipe, got %d/%d", len(stdout), len(stderr))
	}
}

func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo 'quota exceeded' >&2; exit 3")

	_, stderr, err := executeCommand(ctx, cmd, nil, nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("expected stderr in error, got: %v", err)
	}
	if !strings.Contains(string(stderr), "quota exceeded") {
		t.Errorf("expected stderr captured, got %q", stderr)
	}
}

func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sleep", "30")
	start := time.Now()
	_, _, err := executeCommand(ctx, cmd, nil, nil)

	if err == nil {
		t.Fatal("expected error on cancellation")
	}
	if !strings.Contains(err.Error(), "interrupted") {
		t.Errorf("expected interruption error, got: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("cancellation took too long: %s", time.Since(start))
	}
}

func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		cmd := newCommand(ctx, "sleep", "30")
		_, _, err := executeCommand(ctx, cmd, nil, pm)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for pm.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("process was never tracked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected killed process to report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process survived KillAll")
	}
	if pm.Count() != 0 {
		t.Errorf("expected process to be untracked, %d remain", pm.Count())
	}
}

func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()
	ctx := context.Background()

	// The shell spawns a grandchild sleeping in the same process group
	cmd := newCommand(ctx, "sh", "-c", "sleep 30 & wait")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = executeCommand(ctx, cmd, nil, pm)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for pm.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("process was never tracked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process tree survived KillAll")
	}
}

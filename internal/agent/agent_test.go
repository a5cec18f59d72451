package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkessler/teamloop/internal/types"
)

func customConfig(command string) *Config {
	return &Config{
		Kind:    KindCustom,
		Command: command,
		Timeout: 10 * time.Second,
	}
}

func TestCustomAgentReadsPromptFromStdin(t *testing.T) {
	cfg := customConfig("cat")
	proc, err := Spawn(context.Background(), cfg, "dev-1", "implement the widget")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	res, err := proc.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Success {
		t.Errorf("exit code = %d, want success", res.ExitCode)
	}
	if res.OutputText() != "implement the widget" {
		t.Errorf("output = %q", res.OutputText())
	}
}

func TestPromiseScanning(t *testing.T) {
	cfg := customConfig(`cat >/dev/null; echo "done with the work"; echo "TASK_COMPLETE"`)
	proc, err := Spawn(context.Background(), cfg, "dev-1", "do the task")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	res, err := proc.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.HasPromise(types.PromiseTaskComplete) {
		t.Errorf("promises = %v, want TASK_COMPLETE", res.Promises)
	}
	if res.HasPromise(types.PromiseApproved) {
		t.Error("APPROVED was never emitted")
	}
}

func TestNonzeroExitIsNotSuccess(t *testing.T) {
	cfg := customConfig(`cat >/dev/null; echo "something broke" >&2; exit 3`)
	proc, err := Spawn(context.Background(), cfg, "qa-1", "run the tests")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	res, err := proc.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Success {
		t.Error("nonzero exit must not be success")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "something broke") {
		t.Errorf("stderr = %v", res.Errors)
	}
}

func TestOutputSinkReceivesLines(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	cfg := customConfig(`cat >/dev/null; echo one; echo two`)
	cfg.OutputSink = func(agentID, line string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, agentID+":"+line)
	}

	proc, err := Spawn(context.Background(), cfg, "dev-2", "p")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := proc.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "dev-2:one" || seen[1] != "dev-2:two" {
		t.Errorf("sink saw %v", seen)
	}
}

func TestTimeoutKillsAgent(t *testing.T) {
	cfg := customConfig("sleep 30")
	cfg.Timeout = 200 * time.Millisecond

	proc, err := Spawn(context.Background(), cfg, "dev-1", "p")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	start := time.Now()
	if _, err := proc.Wait(context.Background()); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestSpawnValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := Spawn(ctx, customConfig("cat"), "", "prompt"); err == nil {
		t.Error("empty agent id should fail")
	}
	if _, err := Spawn(ctx, customConfig("cat"), "dev-1", ""); err == nil {
		t.Error("empty prompt should fail")
	}
	if _, err := Spawn(ctx, &Config{Kind: KindCustom}, "dev-1", "p"); err == nil {
		t.Error("custom kind without command should fail")
	}
	if _, err := Spawn(ctx, &Config{Kind: Kind("gizmo")}, "dev-1", "p"); err == nil {
		t.Error("unknown kind should fail")
	}
}

func TestStreamJSONUsageAccumulation(t *testing.T) {
	cfg := customConfig(`cat >/dev/null
echo '{"type":"usage","usage":{"input_tokens":100,"output_tokens":40}}'
echo 'not json at all'
echo '{"type":"usage","usage":{"input_tokens":50,"output_tokens":10}}'`)
	cfg.StreamJSON = true

	proc, err := Spawn(context.Background(), cfg, "dev-1", "p")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	res, err := proc.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Usage.InputTokens != 150 || res.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v, want 150/50", res.Usage)
	}
}

func TestRunnerBreakerOpensOnRepeatedSpawnFailure(t *testing.T) {
	r := NewRunner(&Config{
		Kind:    KindCustom,
		Command: "exit 1",
		Timeout: 5 * time.Second,
	})
	// Point the command at a binary that cannot spawn
	r.config.Command = ""

	ctx := context.Background()
	var lastErr error
	for i := 0; i < 6; i++ {
		_, lastErr = r.Invoke(ctx, "dev-1", "p")
		if lastErr == nil {
			t.Fatal("invocation should fail without a command")
		}
	}
	if !strings.Contains(lastErr.Error(), "unavailable") {
		t.Errorf("breaker should be open after repeated failures, got: %v", lastErr)
	}
}

func TestRunnerPassesThroughResult(t *testing.T) {
	r := NewRunner(customConfig(`cat >/dev/null; echo REVIEW_COMPLETE`))
	res, err := r.Invoke(context.Background(), "qa-1", "review it")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.HasPromise(types.PromiseReviewComplete) {
		t.Errorf("promises = %v", res.Promises)
	}
}

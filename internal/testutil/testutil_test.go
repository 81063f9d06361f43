package testutil

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/openbach-stack/conductor/internal/dispatch"
)

func TestNewTestConfig(t *testing.T) {
	cfg := NewTestConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if cfg.Scheduler.StopTimeout > time.Second {
		t.Errorf("stop timeout = %v, want at most 1s", cfg.Scheduler.StopTimeout)
	}
}

func TestTestLoggerCapturesAttrs(t *testing.T) {
	tl := NewTestLogger(t)
	tl.Logger.With("instance_id", "abc").Info("scenario running", "functions", 3)
	tl.Logger.Debug("other")

	got := tl.Find("running")
	if len(got) != 1 {
		t.Fatalf("found %d entries, want 1", len(got))
	}
	if got[0].Attrs["instance_id"] != "abc" {
		t.Errorf("instance_id = %v, want abc", got[0].Attrs["instance_id"])
	}
	if got[0].Level != slog.LevelInfo {
		t.Errorf("level = %v, want info", got[0].Level)
	}
	tl.AssertLogged(t, "other")
	tl.AssertNoErrors(t)
}

func TestBufferLogger(t *testing.T) {
	logger, buf := NewBufferLogger(slog.LevelInfo)
	logger.Info("one", "k", 1)
	logger.Debug("dropped")
	logger.Warn("two")

	entries, err := ParseJSONLogs(buf)
	if err != nil {
		t.Fatalf("ParseJSONLogs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1]["msg"] != "two" {
		t.Errorf("second msg = %v, want two", entries[1]["msg"])
	}
}

func TestScriptedDispatcher(t *testing.T) {
	d := NewScriptedDispatcher().
		On("10.0.0.1", "start_job_instance_agent", Unreachable(false), Success("ok"))

	tests := []struct {
		name string
		addr string
		want dispatch.ResultKind
	}{
		{"first scripted", "10.0.0.1", dispatch.ResultAgentUnreachable},
		{"second scripted", "10.0.0.1", dispatch.ResultSuccess},
		{"last repeats", "10.0.0.1", dispatch.ResultSuccess},
		{"unscripted succeeds", "10.0.0.2", dispatch.ResultSuccess},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := d.Dispatch(context.Background(), tc.addr, dispatch.Instruction{Command: "start_job_instance_agent"})
			r, err := h.Wait(context.Background())
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if r.Kind != tc.want {
				t.Errorf("kind = %s, want %s", r.Kind, tc.want)
			}
			if r.Agent.Address != tc.addr {
				t.Errorf("agent = %s, want %s", r.Agent.Address, tc.addr)
			}
		})
	}
	if n := len(d.CallsFor("start_job_instance_agent")); n != 4 {
		t.Errorf("recorded %d calls, want 4", n)
	}
}

func TestScriptedDispatcherHang(t *testing.T) {
	d := NewScriptedDispatcher().Hang("10.0.0.1", "start_job_instance_agent")
	ctx, cancel := context.WithCancel(context.Background())
	h := d.Dispatch(ctx, "10.0.0.1", dispatch.Instruction{Command: "start_job_instance_agent"})

	select {
	case <-h.Done():
		t.Fatal("hanging dispatch completed before cancellation")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hanging dispatch did not complete after cancellation")
	}
	if h.Result().OK() {
		t.Error("cancelled dispatch reported success")
	}
}

func TestEventually(t *testing.T) {
	start := time.Now()
	Eventually(t, time.Second, "clock", func() bool { return time.Since(start) > 20*time.Millisecond })
}

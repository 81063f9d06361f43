package ipc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
	"github.com/openbach-stack/conductor/internal/types"
)

// mockHandler implements Handler for testing.
type mockHandler struct {
	mu       sync.Mutex
	launches []*LaunchMessage
	stops    []*StopMessage

	launchResponse any
}

func newMockHandler() *mockHandler {
	return &mockHandler{launchResponse: &LaunchedMessage{Type: MsgLaunched, InstanceID: "inst-1"}}
}

func (h *mockHandler) HandleLaunch(ctx context.Context, msg *LaunchMessage) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.launches = append(h.launches, msg)
	return h.launchResponse
}

func (h *mockHandler) HandleStop(ctx context.Context, msg *StopMessage) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops = append(h.stops, msg)
	if msg.InstanceID == "gone" {
		return &ErrorMessage{Type: MsgError, Code: cerrors.CodeInstanceNotFound, Message: "scenario instance not found: gone"}
	}
	return &AckMessage{Type: MsgAck, Success: true}
}

func (h *mockHandler) HandleStatus(ctx context.Context, msg *StatusMessage) any {
	return &InstanceMessage{Type: MsgInstance, Instance: &types.ScenarioInstance{ID: msg.InstanceID, Status: types.ScenarioRunning}}
}

func (h *mockHandler) HandleList(ctx context.Context, msg *ListMessage) any {
	return &InstancesMessage{Type: MsgInstances, Instances: []*types.ScenarioInstance{
		{ID: "a", Status: msg.Status},
		{ID: "b", Status: msg.Status},
	}}
}

func (h *mockHandler) HandleWait(ctx context.Context, msg *WaitMessage) any {
	<-ctx.Done()
	return &ErrorMessage{Type: MsgError, Message: ctx.Err().Error()}
}

func startServer(t *testing.T, h Handler) (*Server, *Client) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c.sock")
	srv := NewServer(path, h, nil)
	if err := srv.StartAsync(context.Background()); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	client := NewClient(path)
	client.SetTimeout(2 * time.Second)
	return srv, client
}

func TestServer_StartShutdown(t *testing.T) {
	srv, _ := startServer(t, newMockHandler())

	if _, err := os.Stat(srv.Path()); err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(srv.Path()); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
	if err := srv.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestClient_Launch(t *testing.T) {
	h := newMockHandler()
	_, client := startServer(t, h)

	id, err := client.Launch("ping", nil, map[string]string{"client": "10.0.0.1"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if id != "inst-1" {
		t.Errorf("instance id = %q, want inst-1", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.launches) != 1 || h.launches[0].Arguments["client"] != "10.0.0.1" {
		t.Errorf("handler saw %+v", h.launches)
	}
}

func TestClient_ErrorCodes(t *testing.T) {
	_, client := startServer(t, newMockHandler())

	err := client.Stop("gone")
	if !cerrors.HasCode(err, cerrors.CodeInstanceNotFound) {
		t.Errorf("Stop error = %v, want INST_001", err)
	}
	if err := client.Stop("live"); err != nil {
		t.Errorf("Stop(live): %v", err)
	}
}

func TestClient_StatusAndList(t *testing.T) {
	_, client := startServer(t, newMockHandler())

	inst, err := client.Status("abc")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if inst.ID != "abc" || inst.Status != types.ScenarioRunning {
		t.Errorf("Status = %+v", inst)
	}

	list, err := client.List(types.ScenarioStopped, "", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[1].Status != types.ScenarioStopped {
		t.Errorf("List = %+v", list)
	}
}

func TestServer_MultipleConnections(t *testing.T) {
	_, client := startServer(t, newMockHandler())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Status("x"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Status: %v", err)
	}
}

func TestServer_InvalidMessage(t *testing.T) {
	_, client := startServer(t, newMockHandler())

	_, err := client.Send(map[string]string{"type": "nonsense"})
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestServer_ShutdownReleasesWaiters(t *testing.T) {
	srv, client := startServer(t, newMockHandler())

	done := make(chan error, 1)
	go func() {
		_, err := client.Wait("x", 0)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	srv.Shutdown()

	select {
	case err := <-done:
		if err == nil {
			t.Error("wait succeeded after shutdown")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiting client not released by shutdown")
	}
}

func TestClient_ConnectionError(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	client.SetTimeout(100 * time.Millisecond)
	if _, err := client.Status("x"); err == nil {
		t.Error("expected connection error")
	}
}

package agentsvc

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/moby/moby/api/types/container"
)

func testServer(fd *fakeDocker, apiToken string) *Server {
	l := NewLauncher(fd, 40000, 40010, false, "10.0.0.9")
	return NewServer(Deps{
		AgentID:    "agent-1",
		PublicHost: "10.0.0.9",
		APIToken:   apiToken,
		Docker:     fd,
		Launcher:   l,
		TotalCPU:   8,
		TotalMemMB: 16384,
		Log:        testLogger(),
	})
}

func TestHandlePing(t *testing.T) {
	s := testServer(newFakeDocker(), "")
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v, want agent-1", body["agent_id"])
	}
}

func TestHandlePingReportsUnavailableWhenDockerUnreachable(t *testing.T) {
	docker := newFakeDocker()
	docker.pingErr = errors.New("docker socket not found")
	s := testServer(docker, "")
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestHandlePingRequiresBearerToken(t *testing.T) {
	s := testServer(newFakeDocker(), "shared-secret")
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without bearer token", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req2.Header.Set("Authorization", "Bearer shared-secret")
	w2 := httptest.NewRecorder()
	s.mux.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with correct bearer token", w2.Code)
	}
}

func TestHandleInfoReportsCapacity(t *testing.T) {
	fd := newFakeDocker()
	fd.containers = []container.Summary{{ID: "c1"}}
	fd.inspectResults["c1"] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			HostConfig: &container.HostConfig{
				Resources: container.Resources{NanoCPUs: 1_000_000_000, Memory: 256 * 1024 * 1024},
			},
		},
	}
	s := testServer(fd, "")

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["running_containers"].(float64) != 1 {
		t.Errorf("running_containers = %v, want 1", body["running_containers"])
	}
	if body["total_cpu"].(float64) != 8 {
		t.Errorf("total_cpu = %v, want 8", body["total_cpu"])
	}
}

func TestHandleExecuteSuccess(t *testing.T) {
	fd := newFakeDocker()
	fd.createID = "abc"
	s := testServer(fd, "")

	body, _ := json.Marshal(LaunchRequest{
		Username: "bob", Password: "pw", Image: "rdp-fleet/desktop",
		CPULimit: 1, MemoryLimitMB: 512,
	})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v, want ok", resp["status"])
	}
	if resp["container_id"] != "abc" {
		t.Errorf("container_id = %v, want abc", resp["container_id"])
	}
}

func TestHandleExecuteValidationFailure(t *testing.T) {
	fd := newFakeDocker()
	s := testServer(fd, "")

	body, _ := json.Marshal(LaunchRequest{Username: "", Password: "pw", Image: "img", CPULimit: 1, MemoryLimitMB: 512})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a validation failure", w.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "error" {
		t.Errorf("status field = %v, want error", resp["status"])
	}
}

func TestHandleExecuteGPURequestedOnNonGPUHostIsValidationFailure(t *testing.T) {
	fd := newFakeDocker()
	s := testServer(fd, "")

	body, _ := json.Marshal(LaunchRequest{Username: "alice", Password: "pw", Image: "img", CPULimit: 1, MemoryLimitMB: 512, GPU: true})
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for gpu requested on non-GPU agent, body=%s", w.Code, w.Body.String())
	}
}

func TestHandleExecuteMalformedBody(t *testing.T) {
	fd := newFakeDocker()
	s := testServer(fd, "")

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", w.Code)
	}
}

func TestHandleContainersListsManaged(t *testing.T) {
	fd := newFakeDocker()
	fd.containers = []container.Summary{{ID: "c1"}, {ID: "c2"}}
	s := testServer(fd, "")

	req := httptest.NewRequest(http.MethodGet, "/containers", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var list []container.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 containers, got %d", len(list))
	}
}

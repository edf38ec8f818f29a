package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/process"
)

type call struct {
	op, name string
}

type fakeSupervisor struct {
	mu       sync.Mutex
	calls    []call
	statuses map[string][]process.Status
	err      error
	stopHang time.Duration
}

func (f *fakeSupervisor) record(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op, name})
	if _, ok := f.statuses[name]; !ok {
		return fmt.Errorf("%w: %s", manager.ErrUnknownProcess, name)
	}
	return f.err
}

func (f *fakeSupervisor) Start(_ context.Context, name string) error   { return f.record("start", name) }
func (f *fakeSupervisor) Restart(_ context.Context, name string) error { return f.record("restart", name) }

func (f *fakeSupervisor) Stop(ctx context.Context, name string) error {
	if err := f.record("stop", name); err != nil {
		return err
	}
	if f.stopHang > 0 {
		select {
		case <-time.After(f.stopHang):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeSupervisor) Status(name string) ([]process.Status, error) {
	sts, ok := f.statuses[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", manager.ErrUnknownProcess, name)
	}
	return sts, nil
}

func (f *fakeSupervisor) StatusAll() []process.Status {
	var out []process.Status
	for _, n := range []string{"web-1", "web-2", "api"} {
		out = append(out, f.statuses[n]...)
	}
	return out
}

func newFakeSupervisor() *fakeSupervisor {
	w1 := process.Status{Name: "web-1", App: "web", Instance: 1, PID: 101, State: process.StateRunning}
	w2 := process.Status{Name: "web-2", App: "web", Instance: 2, State: process.StateCrashed, Restarts: 3}
	api := process.Status{Name: "api", App: "api", State: process.StateStopped}
	return &fakeSupervisor{statuses: map[string][]process.Status{
		"web":   {w1, w2},
		"web-1": {w1},
		"web-2": {w2},
		"api":   {api},
	}}
}

func setupRouter(t *testing.T, base string) (http.Handler, *fakeSupervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := newFakeSupervisor()
	return NewRouter(sup, base).Handler(), sup
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestStatusAll(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sts := decode[[]process.Status](t, rec)
	if len(sts) != 3 || sts[0].Name != "web-1" || sts[1].Restarts != 3 {
		t.Fatalf("unexpected statuses: %+v", sts)
	}
}

func TestStatusByAppAndInstance(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/status?name=web")
	if sts := decode[[]process.Status](t, rec); rec.Code != http.StatusOK || len(sts) != 2 {
		t.Fatalf("app status: %d %s", rec.Code, rec.Body.String())
	}
	rec = doReq(t, h, http.MethodGet, "/api/status?name=web-2")
	sts := decode[[]process.Status](t, rec)
	if len(sts) != 1 || sts[0].State != process.StateCrashed {
		t.Fatalf("instance status: %s", rec.Body.String())
	}
}

func TestStatusUnknown(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/status?name=unknown")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if e := decode[errorResp](t, rec); e.Error == "" {
		t.Fatalf("expected error body")
	}
}

func TestControlRequiresValidName(t *testing.T) {
	h, sup := setupRouter(t, "")
	for _, path := range []string{"/start", "/stop", "/restart", "/start?name=../etc", "/stop?name=a%20b", "/status?name=x/y"} {
		method := http.MethodPost
		if strings.HasPrefix(path, "/status") {
			method = http.MethodGet
		}
		if rec := doReq(t, h, method, path); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
	if len(sup.calls) != 0 {
		t.Fatalf("supervisor should not be called: %+v", sup.calls)
	}
}

func TestStartStopRestart(t *testing.T) {
	h, sup := setupRouter(t, "/api")
	for _, op := range []string{"start", "stop", "restart"} {
		rec := doReq(t, h, http.MethodPost, "/api/"+op+"?name=web")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", op, rec.Code, rec.Body.String())
		}
		if !decode[okResp](t, rec).OK {
			t.Fatalf("%s: ok=false", op)
		}
	}
	want := []call{{"start", "web"}, {"stop", "web"}, {"restart", "web"}}
	if fmt.Sprint(sup.calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %v, want %v", sup.calls, want)
	}
}

func TestStopWaitExceeded(t *testing.T) {
	h, sup := setupRouter(t, "")
	sup.stopHang = time.Second
	rec := doReq(t, h, http.MethodPost, "/stop?name=api&wait=20ms")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if r := decode[okResp](t, rec); !r.OK || !r.Pending {
		t.Fatalf("unexpected body: %+v", r)
	}
}

func TestStopNotAccepted(t *testing.T) {
	h, sup := setupRouter(t, "")
	sup.err = fmt.Errorf("%w: api", manager.ErrBusy)
	rec := doReq(t, h, http.MethodPost, "/stop?name=api&wait=20ms")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if r := decode[okResp](t, rec); r.Pending {
		t.Fatalf("stop was never accepted but reported pending: %+v", r)
	}
}

func TestStopBadWait(t *testing.T) {
	h, _ := setupRouter(t, "")
	if rec := doReq(t, h, http.MethodPost, "/stop?name=api&wait=later"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{manager.ErrShuttingDown, http.StatusServiceUnavailable},
		{manager.ErrBusy, http.StatusServiceUnavailable},
		{&process.SpawnError{Name: "web", Op: "exec", Err: os.ErrNotExist}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, sup := setupRouter(t, "")
		sup.err = fmt.Errorf("wrapped: %w", tc.err)
		if rec := doReq(t, h, http.MethodPost, "/start?name=web"); rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestAPIServerServe(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewAPIServer("127.0.0.1:0", "/api", newFakeSupervisor(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() { errC <- srv.Serve(ctx) }()

	actx, acancel := context.WithTimeout(ctx, 2*time.Second)
	defer acancel()
	addr, err := srv.Addr(actx)
	if err != nil {
		t.Fatalf("addr: %v", err)
	}
	resp, err := http.Get("http://" + addr + "/api/status?name=api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-errC:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("server did not stop")
	}
	if srv.String() != "api-server" {
		t.Fatalf("name = %s", srv.String())
	}
}

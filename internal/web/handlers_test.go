package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"

	"github.com/a3feh/coursebot/internal/hw/rps"
)

// ---------- ValidateRunRequest ----------

var testCourses = []string{"square", "pulse"}

func TestValidateRunRequest_Valid(t *testing.T) {
	for _, name := range []string{"", "square", "pulse"} {
		if err := ValidateRunRequest(RunRequest{Course: name}, testCourses); err != nil {
			t.Errorf("%q: expected valid, got: %v", name, err)
		}
	}
}

func TestValidateRunRequest_Rejected(t *testing.T) {
	cases := []struct {
		name    string
		req     RunRequest
		courses []string
	}{
		{"unknown", RunRequest{"triangle"}, testCourses},
		{"too_long", RunRequest{strings.Repeat("a", 65)}, testCourses},
		{"control_chars", RunRequest{"squ\nare"}, testCourses},
		{"no_courses", RunRequest{""}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateRunRequest(tc.req, tc.courses); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- Handler helpers ----------

func newTestHandlers(run RunFunc, clk clock.Clock) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		run,
		func() (rps.Reading, bool) {
			return rps.Reading{Position: r2.Point{X: 12, Y: 30}, Heading: 90}, true
		},
		ConsoleConfig{
			CountsPerInch:       40.489,
			RobotWidthIn:        8,
			HeadingToleranceDeg: 0.5,
			PulsePercent:        20,
			Courses:             testCourses,
		},
		clk,
		staticFS,
	)
}

func noopRun(_ context.Context, _ string) error {
	return nil
}

func runJSON(course string) []byte {
	data, _ := json.Marshal(RunRequest{Course: course})
	return data
}

func postRun(h *Handlers, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.HandleRun(w, req)
	return w
}

func waitIdle(t *testing.T, h *Handlers) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.runningMu.Lock()
		running := h.running
		h.runningMu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("course still running")
}

// ---------- HandleRun ----------

func TestHandleRun_ValidPost(t *testing.T) {
	got := make(chan string, 1)
	h := newTestHandlers(func(_ context.Context, course string) error {
		got <- course
		return nil
	}, clock.NewMock())

	w := postRun(h, runJSON("pulse"))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" {
		t.Errorf("response status = %q, want \"started\"", resp["status"])
	}

	select {
	case course := <-got:
		if course != "pulse" {
			t.Errorf("course = %q, want \"pulse\"", course)
		}
	case <-time.After(time.Second):
		t.Fatal("run was not called")
	}
	waitIdle(t, h)
}

func TestHandleRun_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRun_InvalidJSON(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	if w := postRun(h, []byte("not json")); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_UnknownCourse(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	w := postRun(h, runJSON("triangle"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "triangle") {
		t.Errorf("body %q should name the course", w.Body.String())
	}
}

func TestHandleRun_OversizedBody(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	big := strings.Repeat("x", 2<<20) // 2 MB
	if w := postRun(h, []byte(big)); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_NilRun(t *testing.T) {
	h := newTestHandlers(nil, clock.NewMock())
	if w := postRun(h, runJSON("")); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleRun_ConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	blocking := make(chan struct{})
	slowRun := func(_ context.Context, _ string) error {
		close(started)
		<-blocking
		return nil
	}

	mock := clock.NewMock()
	h := newTestHandlers(slowRun, mock)

	if w1 := postRun(h, runJSON("square")); w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}
	<-started

	// Past the cooldown, so only the running course blocks the request.
	mock.Add(RunCooldown)
	if w2 := postRun(h, runJSON("square")); w2.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w2.Code, http.StatusConflict)
	}

	close(blocking)
	waitIdle(t, h)
}

func TestHandleRun_Cooldown(t *testing.T) {
	mock := clock.NewMock()
	h := newTestHandlers(noopRun, mock)

	if w1 := postRun(h, runJSON("")); w1.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w1.Code, http.StatusAccepted)
	}
	waitIdle(t, h)

	mock.Add(RunCooldown - time.Second)
	if w2 := postRun(h, runJSON("")); w2.Code != http.StatusTooManyRequests {
		t.Errorf("request within cooldown: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}

	mock.Add(time.Second)
	if w3 := postRun(h, runJSON("")); w3.Code != http.StatusAccepted {
		t.Errorf("request after cooldown: status = %d, want %d", w3.Code, http.StatusAccepted)
	}
	waitIdle(t, h)
}

func TestHandleRun_FailureIsBroadcast(t *testing.T) {
	h := newTestHandlers(func(_ context.Context, _ string) error {
		return context.DeadlineExceeded
	}, clock.NewMock())
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	postRun(h, runJSON(""))

	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "error" || !strings.Contains(evt.Msg, "Course failed") {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
	waitIdle(t, h)
}

func TestHandleRun_SuccessIsBroadcast(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	postRun(h, runJSON("pulse"))

	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "info" || evt.Msg != "Course complete" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
	waitIdle(t, h)
}

// ---------- HandleStop ----------

func TestHandleStop_CancelsRun(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	h := newTestHandlers(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, clock.NewMock())

	postRun(h, runJSON("square"))
	<-started

	w := httptest.NewRecorder()
	h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/stop", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("run was not cancelled")
	}
	waitIdle(t, h)
}

func TestHandleStop_Idle(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	w := httptest.NewRecorder()
	h.HandleStop(w, httptest.NewRequest(http.MethodPost, "/stop", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// ---------- HandleConfig / HandlePose ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	w := httptest.NewRecorder()

	h.HandleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var cc ConsoleConfig
	if err := json.NewDecoder(w.Body).Decode(&cc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cc.CountsPerInch != 40.489 {
		t.Errorf("CountsPerInch = %v, want 40.489", cc.CountsPerInch)
	}
	if cc.PulsePercent != 20 {
		t.Errorf("PulsePercent = %v, want 20", cc.PulsePercent)
	}
	if len(cc.Courses) != 2 || cc.Courses[0] != "square" {
		t.Errorf("Courses = %v", cc.Courses)
	}
}

func TestHandlePose(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	w := httptest.NewRecorder()

	h.HandlePose(w, httptest.NewRequest(http.MethodGet, "/pose", nil))

	var resp PoseResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Visible || resp.Reading.Position.X != 12 || resp.Reading.Heading != 90 {
		t.Errorf("pose = %+v", resp)
	}
}

func TestHandlePose_NotConfigured(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	h.Pose = nil
	w := httptest.NewRecorder()

	h.HandlePose(w, httptest.NewRequest(http.MethodGet, "/pose", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- ServeIndex / Mux ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(noopRun, clock.NewMock())
	w := httptest.NewRecorder()

	h.ServeIndex(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

func TestServer_Routes(t *testing.T) {
	s, err := NewServer(":0", NewStatusBroadcaster(), Deps{
		Run:    noopRun,
		Config: ConsoleConfig{Courses: testCourses},
		Clock:  clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := s.Mux()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodGet, "/pose", http.StatusServiceUnavailable},
		{http.MethodGet, "/run", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, w.Code, tc.want)
		}
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if !strings.Contains(w.Body.String(), "coursebot") {
		t.Error("index page should be the embedded console")
	}
}

func TestServer_ShutdownEndsStreamsAndJoinsCourse(t *testing.T) {
	started := make(chan struct{})
	var stopped atomic.Bool
	run := func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond) // motors stopping
		stopped.Store(true)
		return ctx.Err()
	}
	s, err := NewServer("127.0.0.1:0", NewStatusBroadcaster(), Deps{
		Run:    run,
		Config: ConsoleConfig{Courses: testCourses},
		Clock:  clock.New(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	stream, err := http.Get(base + "/status/stream")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	line, err := bufio.NewReader(stream.Body).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("stream preamble = %q, %v", line, err)
	}

	resp, err := http.Post(base+"/run", "application/json", bytes.NewReader(runJSON("square")))
	if err != nil {
		t.Fatalf("POST /run: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /run status = %d", resp.StatusCode)
	}
	<-started

	begin := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if elapsed := time.Since(begin); elapsed >= shutdownTimeout {
		t.Errorf("shutdown took %s, open stream should not hold it", elapsed)
	}
	if !stopped.Load() {
		t.Error("Serve returned before the running course finished")
	}
}

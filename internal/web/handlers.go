package web

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"slices"
	"sync"
	"time"
	"unicode"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/a3feh/coursebot/internal/debug"
	"github.com/a3feh/coursebot/internal/hw/rps"
)

const (
	// MaxRunBodyBytes bounds the POST /run request body.
	MaxRunBodyBytes = 1 << 20
	// RunCooldown is the minimum delay between two course starts.
	RunCooldown = 5 * time.Second

	maxCourseNameLen = 64
)

// RunRequest selects the course to run. An empty name runs the first course.
type RunRequest struct {
	Course string `json:"course"`
}

// RunFunc runs a course. It is called from the POST /run handler in a goroutine.
type RunFunc func(ctx context.Context, course string) error

// PoseFunc returns the latest tracker reading and whether it is fresh.
type PoseFunc func() (rps.Reading, bool)

// ConsoleConfig is the calibration and tuning summary shown by the console.
type ConsoleConfig struct {
	CountsPerInch         float64  `json:"counts_per_inch"`
	WheelRadiusIn         float64  `json:"wheel_radius_in"`
	RobotWidthIn          float64  `json:"robot_width_in"`
	BackwardCalibratorPct int      `json:"backward_calibrator_pct"`
	TurnSlipFactor        float64  `json:"turn_slip_factor"`
	HeadingToleranceDeg   float64  `json:"heading_tolerance_deg"`
	PositionTolerance     float64  `json:"position_tolerance"`
	PulsePercent          int      `json:"pulse_percent"`
	PulseMs               int      `json:"pulse_ms"`
	SettleMs              int      `json:"settle_ms"`
	Courses               []string `json:"courses"`
}

// PoseResponse is the body of GET /pose.
type PoseResponse struct {
	Visible bool        `json:"visible"`
	Reading rps.Reading `json:"reading"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Run         RunFunc
	Pose        PoseFunc
	Config      ConsoleConfig
	clk         clock.Clock
	staticFS    fs.FS

	runs      sync.WaitGroup
	runningMu sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	lastStart time.Time
	baseCtx   context.Context
}

// NewHandlers creates handlers with the given dependencies.
// If run is nil, POST /run returns 503 Service Unavailable; if pose is nil,
// GET /pose does.
func NewHandlers(broadcaster *StatusBroadcaster, run RunFunc, pose PoseFunc, cfg ConsoleConfig, clk clock.Clock, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Run:         run,
		Pose:        pose,
		Config:      cfg,
		clk:         clk,
		staticFS:    staticFS,
		baseCtx:     context.Background(),
	}
}

// setBaseContext makes course runs inherit ctx, so shutting the server down
// stops the robot.
func (h *Handlers) setBaseContext(ctx context.Context) {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	h.baseCtx = ctx
}

// ValidateRunRequest checks the course name against the known courses.
func ValidateRunRequest(req RunRequest, courses []string) error {
	if req.Course == "" {
		if len(courses) == 0 {
			return errors.New("no courses configured")
		}
		return nil
	}
	if len(req.Course) > maxCourseNameLen {
		return errors.Errorf("course name longer than %d bytes", maxCourseNameLen)
	}
	for _, r := range req.Course {
		if unicode.IsControl(r) {
			return errors.New("course name contains control characters")
		}
	}
	if !slices.Contains(courses, req.Course) {
		return errors.Errorf("unknown course %q", req.Course)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error(errors.Wrap(err, "web: encode response"))
	}
}

// HandleConfig returns the calibration and tuning summary as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Config)
}

// HandlePose returns the latest tracker reading.
func (h *Handlers) HandlePose(w http.ResponseWriter, r *http.Request) {
	if h.Pose == nil {
		http.Error(w, "position sensor not configured", http.StatusServiceUnavailable)
		return
	}
	reading, ok := h.Pose()
	writeJSON(w, http.StatusOK, PoseResponse{Visible: ok, Reading: reading})
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start a course.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RunRequest
	body := http.MaxBytesReader(w, r.Body, MaxRunBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateRunRequest(req, h.Config.Courses); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.Run == nil {
		http.Error(w, "course runner not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "course already running", http.StatusConflict)
		return
	}
	now := h.clk.Now()
	if !h.lastStart.IsZero() && now.Sub(h.lastStart) < RunCooldown {
		h.runningMu.Unlock()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	ctx, cancel := context.WithCancel(h.baseCtx)
	h.running = true
	h.cancelRun = cancel
	h.lastStart = now
	h.runs.Add(1)
	h.runningMu.Unlock()

	go func() {
		defer h.runs.Done()
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancelRun = nil
			h.runningMu.Unlock()
		}()

		if err := h.Run(ctx, req.Course); err != nil {
			h.Broadcaster.Broadcast("error", "Course failed: "+err.Error())
			debug.Error(errors.Wrap(err, "course failed"))
		} else {
			h.Broadcaster.BroadcastMsg("Course complete")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// Wait blocks until every course started by HandleRun has returned.
func (h *Handlers) Wait() {
	h.runs.Wait()
}

// HandleStop handles POST /stop: cancels the running course, which stops the motors.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	cancel := h.cancelRun
	h.runningMu.Unlock()

	if cancel == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	heartbeat := h.clk.Ticker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-heartbeat.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

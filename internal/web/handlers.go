package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// minStartInterval is the shortest allowed gap between two job starts.
const minStartInterval = time.Second

// MoveRequest is the body of POST /move. Exactly one field must be set.
type MoveRequest struct {
	TargetDeg *float64 `json:"target_deg,omitempty"`
	Fraction  *float64 `json:"fraction,omitempty"`
}

// Job is what the control goroutine is asked to do.
type Job struct {
	Home bool
	Move MoveRequest
}

// RunFunc runs one job to completion or until ctx is cancelled.
type RunFunc func(ctx context.Context, job Job) error

// Status is the answer of GET /status.
type Status struct {
	State       string  `json:"state"`
	PositionDeg float64 `json:"position_deg"`
	Busy        bool    `json:"busy"`
}

// RailConfig is the read-only configuration shown by the UI.
type RailConfig struct {
	FullTravelDeg float64 `json:"full_travel_deg"`
	ToleranceDeg  float64 `json:"tolerance_deg"`
	SettleMs      int     `json:"settle_ms"`
	Gain          float64 `json:"gain"`
}

// Options holds the server dependencies. Run nil makes /move and /home
// answer 503; Metrics nil leaves /metrics unrouted. Jobs run under Context,
// or context.Background when nil.
type Options struct {
	Context     context.Context
	Broadcaster *StatusBroadcaster
	Run         RunFunc
	Stop        func()
	Status      func() Status
	Rail        RailConfig
	Metrics     http.Handler
}

// ValidateMoveRequest checks that exactly one of target_deg or fraction
// is set, finite and in range.
func ValidateMoveRequest(req MoveRequest, fullTravelDeg float64) error {
	switch {
	case req.TargetDeg == nil && req.Fraction == nil:
		return errors.New("one of target_deg or fraction is required")
	case req.TargetDeg != nil && req.Fraction != nil:
		return errors.New("target_deg and fraction are mutually exclusive")
	case req.Fraction != nil:
		f := *req.Fraction
		if math.IsNaN(f) || f < 0 || f > 1 {
			return fmt.Errorf("fraction must be between 0 and 1, got %g", f)
		}
	default:
		d := *req.TargetDeg
		if math.IsNaN(d) || math.IsInf(d, 0) || math.Abs(d) > fullTravelDeg {
			return fmt.Errorf("target_deg must be within ±%g, got %g", fullTravelDeg, d)
		}
	}
	return nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	opts     Options
	staticFS fs.FS
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	lastStart time.Time
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(opts Options, staticFS fs.FS) *Handlers {
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewStatusBroadcaster()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	return &Handlers{
		opts:     opts,
		staticFS: staticFS,
		now:      time.Now,
	}
}

// HandleConfig returns the rail configuration as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Rail)
}

// HandleStatus returns the controller state and position.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if h.opts.Status != nil {
		st = h.opts.Status()
	}
	h.mu.Lock()
	st.Busy = st.Busy || h.running
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
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

// HandleMove handles POST /move.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req MoveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateMoveRequest(req, h.opts.Rail.FullTravelDeg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.start(w, Job{Move: req})
}

// HandleHome handles POST /home.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.start(w, Job{Home: true})
}

// HandleStop handles POST /stop: it cancels the running job, if any, and
// stops the actuator right away.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()
	if h.opts.Stop != nil {
		h.opts.Stop()
	}
	h.opts.Broadcaster.Broadcast("warn", "Stop requested")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) start(w http.ResponseWriter, job Job) {
	if h.opts.Run == nil {
		http.Error(w, "controller not configured", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		http.Error(w, "motion already in progress", http.StatusConflict)
		return
	}
	now := h.now()
	if !h.lastStart.IsZero() && now.Sub(h.lastStart) < minStartInterval {
		h.mu.Unlock()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	ctx, cancel := context.WithCancel(h.opts.Context)
	h.running = true
	h.cancel = cancel
	h.lastStart = now
	h.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			h.mu.Lock()
			h.running = false
			h.cancel = nil
			h.mu.Unlock()
		}()

		if err := h.opts.Run(ctx, job); err != nil {
			h.opts.Broadcaster.Broadcast("error", "Motion failed: "+err.Error())
			log.Printf("motion failed: %v", err)
		} else {
			h.opts.Broadcaster.Broadcast("info", "Motion complete")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
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

	ch, unsub := h.opts.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

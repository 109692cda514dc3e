package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jeongseonghan/pilotrx/internal/sim"
	"github.com/jeongseonghan/pilotrx/internal/storage"
)

// stageProgress maps simulation stages to a rough completion fraction.
var stageProgress = map[string]float64{
	sim.StageTransmit: 0.05,
	sim.StageChannel:  0.15,
	sim.StageReceive:  0.25,
	sim.StageMetrics:  0.9,
	sim.StageDone:     1,
}

// Handlers holds the HTTP API handlers. One simulation runs at a time.
type Handlers struct {
	store  storage.Store
	wsHub  *WSHub
	base   sim.Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	run       sync.Mutex // held while a simulation is in flight
	mu        sync.Mutex // guards the fields below
	closed    bool
	current   string
	lastError string
}

// NewHandlers creates the API handlers. Posted configurations are applied
// over base.
func NewHandlers(store storage.Store, base sim.Config, logger *log.Logger) *Handlers {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handlers{
		store:  store,
		wsHub:  NewWSHub(logger),
		base:   base,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels a running simulation and waits for it to stop. Later
// simulation requests are refused.
func (h *Handlers) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// Wait blocks until the background simulation, if any, has finished.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// HandleWebSocket handles WebSocket upgrade requests.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", "err", err)
		return
	}

	h.wsHub.AddClient(conn)

	// Drain client messages until the connection closes.
	go func() {
		defer h.wsHub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// HandleSimulate starts a simulation in the background and returns its id.
func (h *Handlers) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	cfg := h.base
	cfg.ModalDelay = slices.Clone(h.base.ModalDelay)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("Parse request: %v", err), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("Invalid config: %v", err), http.StatusBadRequest)
		return
	}
	if !h.run.TryLock() {
		http.Error(w, "A simulation is already running", http.StatusConflict)
		return
	}

	id := uuid.NewString()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.run.Unlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	h.current = id
	h.lastError = ""
	// Added under mu so Close never waits on a group that can still grow.
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer h.run.Unlock()
		h.simulate(id, cfg)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "running",
	})
}

func (h *Handlers) simulate(id string, cfg sim.Config) {
	h.wsHub.BroadcastStatus("running", fmt.Sprintf("Simulation %s at %.1f dB", id, cfg.SNR))

	report, err := sim.SimPilotTxRx(h.ctx, cfg,
		sim.WithID(id),
		sim.WithLogger(h.logger),
		sim.WithProgress(func(stage string) {
			h.wsHub.BroadcastProgress(id, stage, stageProgress[stage])
		}))
	if err == nil {
		err = h.store.SaveReport(h.ctx, report)
	}

	h.mu.Lock()
	h.current = ""
	if err != nil {
		h.lastError = err.Error()
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("simulation failed", "id", id, "err", err)
		h.wsHub.BroadcastStatus("error", fmt.Sprintf("Simulation %s failed: %v", id, err))
		return
	}
	h.wsHub.BroadcastResult(report)
	h.wsHub.BroadcastStatus("completed", fmt.Sprintf("Simulation %s done", id))
}

// HandleStatus returns the current run state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current, lastError := h.current, h.lastError
	h.mu.Unlock()

	status := "idle"
	if current != "" {
		status = "running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"current":    current,
		"last_error": lastError,
		"clients":    h.wsHub.Clients(),
	})
}

// HandleResults lists stored reports, newest first. ?limit=N caps the list.
func (h *Handlers) HandleResults(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.store.ListReports(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("List results: %v", err), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []storage.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleResult returns one stored report.
func (h *Handlers) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, ok, err := h.store.GetReport(r.Context(), id)
	switch {
	case err != nil:
		http.Error(w, fmt.Sprintf("Get result: %v", err), http.StatusInternalServerError)
	case !ok:
		http.Error(w, "Result not found", http.StatusNotFound)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response", "err", err)
	}
}

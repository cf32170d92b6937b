package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/taskflow-core/taskflow/internal/flow"
	"github.com/taskflow-core/taskflow/internal/journal"
	"github.com/taskflow-core/taskflow/internal/platform/config"
	"github.com/taskflow-core/taskflow/internal/platform/container"
	"github.com/taskflow-core/taskflow/internal/platform/health"
	"github.com/taskflow-core/taskflow/internal/platform/logger"
	"github.com/taskflow-core/taskflow/internal/platform/metrics"
	"github.com/taskflow-core/taskflow/internal/platform/middleware"
	"github.com/taskflow-core/taskflow/internal/platform/response"
	"github.com/taskflow-core/taskflow/internal/schedule"
)

// Server is the admin HTTP+WS surface.
type Server struct {
	config        *config.Config
	logger        logger.Logger
	hub           *Hub
	flows         *flow.Manager
	scheduler     *schedule.Scheduler
	journal       *journal.Journal
	serviceHealth func(ctx context.Context) []*container.ServiceHealthCheck
	health        *health.Handler
	metrics       http.Handler
	httpStats     *metrics.Metrics
	httpServer    *http.Server
	upgrader      websocket.Upgrader
}

// Option configures the server.
type Option func(*Server)

// WithConfig sets the configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.logger = log }
}

// WithHub sets the event hub backing /ws/events.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithFlowManager sets the workflow manager behind the status API.
func WithFlowManager(m *flow.Manager) Option {
	return func(s *Server) { s.flows = m }
}

// WithScheduler sets the scheduler behind the schedules API.
func WithScheduler(sched *schedule.Scheduler) Option {
	return func(s *Server) { s.scheduler = sched }
}

// WithJournal sets the dispatch journal behind the tasks API.
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithServiceHealth sets the container-level health aggregation
// behind the services API.
func WithServiceHealth(fn func(ctx context.Context) []*container.ServiceHealthCheck) Option {
	return func(s *Server) { s.serviceHealth = fn }
}

// WithHealth sets the health handler behind /healthz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler sets the handler behind /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMetrics sets the registry used to record per-request HTTP
// metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.httpStats = m }
}

// New assembles the admin server.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config == nil {
		return nil, fmt.Errorf("admin: config is required")
	}
	s.setupHTTPServer()
	return s, nil
}

func (s *Server) setupHTTPServer() {
	router := mux.NewRouter()

	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.Logging(s.logger))
	router.Use(middleware.CORS())
	router.Use(middleware.RateLimit(50))
	if s.httpStats != nil {
		router.Use(s.httpStats.HTTPMiddleware())
	}

	if s.health != nil {
		router.HandleFunc("/healthz", s.health.HealthHandler()).Methods("GET")
		router.HandleFunc("/health/live", s.health.LivenessHandler()).Methods("GET")
		router.HandleFunc("/health/ready", s.health.ReadinessHandler()).Methods("GET")
	}
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods("GET")
	}

	router.HandleFunc("/api/v1/workflows", s.handleWorkflows).Methods("GET")
	router.HandleFunc("/api/v1/workflows/{id}", s.handleWorkflow).Methods("GET")
	router.HandleFunc("/api/v1/schedules", s.handleSchedules).Methods("GET")
	router.HandleFunc("/api/v1/tasks", s.handleTasks).Methods("GET")
	router.HandleFunc("/api/v1/services", s.handleServices).Methods("GET")
	router.HandleFunc("/ws/events", s.handleEvents).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting admin server", "port", s.config.HTTP.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

type workflowSummary struct {
	ID         string `json:"id"`
	Done       bool   `json:"done"`
	Finished   bool   `json:"finished"`
	Failed     bool   `json:"failed"`
	StepCount  int    `json:"step_count"`
	DoneSteps  int    `json:"done_steps"`
	FailedSteps int   `json:"failed_steps"`
}

type stepStatus struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	TaskID        string `json:"task_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func summarize(w *flow.Workflow) workflowSummary {
	sum := workflowSummary{
		ID:       w.ID().String(),
		Done:     w.IsDone(),
		Finished: w.IsFinished(),
		Failed:   w.IsFailed(),
	}
	for _, step := range w.Steps() {
		sum.StepCount++
		if step.IsDone() {
			sum.DoneSteps++
		}
		if step.IsFailed() {
			sum.FailedSteps++
		}
	}
	return sum
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		response.Error(w, response.ErrServiceUnavailable)
		return
	}
	workflows := s.flows.Workflows()
	out := make([]workflowSummary, len(workflows))
	for i, wf := range workflows {
		out[i] = summarize(wf)
	}
	response.OK(w, map[string]interface{}{"workflows": out})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		response.Error(w, response.ErrServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	for _, wf := range s.flows.Workflows() {
		if wf.ID().String() != id {
			continue
		}
		steps := make([]stepStatus, 0)
		for _, step := range wf.Steps() {
			st := stepStatus{
				Name:          step.Name(),
				State:         string(step.State()),
				FailureReason: step.FailureReason(),
			}
			if taskID, has := step.TaskID(); has {
				st.TaskID = taskID.String()
			}
			steps = append(steps, st)
		}
		response.OK(w, map[string]interface{}{
			"workflow": summarize(wf),
			"steps":    steps,
		})
		return
	}
	response.Error(w, response.ErrNotFound)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		response.Error(w, response.ErrServiceUnavailable)
		return
	}
	response.OK(w, map[string]interface{}{"schedules": s.scheduler.Entries()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		response.Error(w, response.ErrServiceUnavailable)
		return
	}
	entries, err := s.journal.Entries(r.Context())
	if err != nil {
		s.logger.Error("failed to read dispatch journal", "error", err)
		response.Error(w, response.ErrInternal)
		return
	}
	response.OK(w, map[string]interface{}{"tasks": entries})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if s.serviceHealth == nil {
		response.Error(w, response.ErrServiceUnavailable)
		return
	}
	response.OK(w, map[string]interface{}{"services": s.serviceHealth(r.Context())})
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		response.Error(w, response.ErrServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan *Event, 64)}
	s.hub.add(c)

	go c.writePump()
	c.readPump(s.hub)
}

type client struct {
	conn *websocket.Conn
	send chan *Event
}

// writePump streams queued events to the client, keeping the
// connection alive with periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to notice disconnects.
func (c *client) readPump(hub *Hub) {
	defer hub.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

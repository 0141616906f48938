// Package gateway serves the A2A JSON-RPC endpoint, the agent card and the
// operational HTTP endpoints of the currency agent.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/currency-agent/internal/a2a"
	"github.com/basket/currency-agent/internal/config"
	"github.com/basket/currency-agent/internal/coordinator"
	otelpkg "github.com/basket/currency-agent/internal/otel"
	"github.com/basket/currency-agent/internal/persistence"
	"github.com/basket/currency-agent/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// A2A error codes.
	ErrCodeTaskNotFound         = -32001
	ErrCodeTaskNotCancelable    = -32002
	ErrCodePushNotSupported     = -32003
	ErrCodeUnsupportedOperation = -32004

	defaultAPIListLimit = 20
)

// TaskService runs and inspects tasks, implemented by coordinator.Executor.
type TaskService interface {
	Submit(ctx context.Context, params a2a.MessageSendParams, emit coordinator.Emit) (*a2a.Task, error)
	SubmitAsync(ctx context.Context, params a2a.MessageSendParams) (*a2a.Task, error)
	Get(ctx context.Context, taskID string, historyLength *int) (*a2a.Task, error)
	Cancel(ctx context.Context, taskID string) (*a2a.Task, error)
	Resubscribe(ctx context.Context, taskID string, emit coordinator.Emit) error
	SetPushConfig(ctx context.Context, cfg a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error)
	GetPushConfig(ctx context.Context, taskID string) (*a2a.TaskPushNotificationConfig, error)
	DeletePushConfig(ctx context.Context, taskID string) error
}

// TaskLister pages through stored tasks, implemented by a2a.TaskRepository.
type TaskLister interface {
	List(ctx context.Context, contextID string, limit, offset int) ([]*a2a.Task, error)
}

// StoreHealth reports database connectivity, implemented by
// persistence.Store.
type StoreHealth interface {
	Ping(ctx context.Context) error
	Health() persistence.HealthSnapshot
}

type Config struct {
	Tasks  TaskService
	Lister TaskLister
	Store  StoreHealth
	Card   AgentCard

	// Auth is nil when basic auth is disabled.
	Auth      *BasicAuthMiddleware
	RateLimit *RateLimitMiddleware
	CORS      config.CORSConfig

	MaxRequestBytes int64

	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler
	Metrics        *otelpkg.Metrics
	Tracer         trace.Tracer
	Logger         *slog.Logger

	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     any
	Result any
	Error  *rpcError
}

// MarshalJSON emits exactly one of result and error; a nil result is
// written as null.
func (r rpcResponse) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string    `json:"jsonrpc"`
			ID      any       `json:"id"`
			Error   *rpcError `json:"error"`
		}{"2.0", r.ID, r.Error})
	}
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Result  any    `json:"result"`
	}{"2.0", r.ID, r.Result})
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	if cfg.Auth != nil && cfg.RateLimit != nil {
		cfg.RateLimit.IdentifyWith(cfg.Auth.Verify)
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		tracer: tracer,
	}
}

// Handler returns the routed handler wrapped in CORS, the request size
// limit, rate limiting and basic auth, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleJSONRPC)
	mux.HandleFunc(AgentCardPath, s.handleAgentCard)
	mux.HandleFunc(AgentCardPathLatest, s.handleAgentCard)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/tasks/", s.handleAPITaskByID)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("/metrics", s.cfg.MetricsHandler)
	}

	var h http.Handler = mux
	if s.cfg.Auth != nil {
		h = s.cfg.Auth.Wrap(h)
	}
	if s.cfg.RateLimit != nil {
		h = s.cfg.RateLimit.Wrap(h)
	}
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	return NewCORSMiddleware(s.cfg.CORS)(h)
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	traceID := r.Header.Get("X-Request-ID")
	if traceID == "" {
		traceID = shared.NewTraceID()
	}
	w.Header().Set("X-Request-ID", traceID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, rpcResponse{
				Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "request body too large"},
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, rpcResponse{
			Error: &rpcError{Code: ErrCodeParse, Message: "failed to read request body"},
		})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{Error: &rpcError{Code: ErrCodeParse, Message: "Invalid JSON payload"}})
		return
	}
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" || !hasID {
		writeJSON(w, http.StatusOK, rpcResponse{ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}})
		return
	}

	start := time.Now()
	ctx, span := otelpkg.StartServerSpan(shared.WithTraceID(r.Context(), traceID), s.tracer, "a2a "+req.Method,
		otelpkg.AttrRPCMethod.String(req.Method))
	defer span.End()

	var rpcErr *rpcError
	switch req.Method {
	case "message/stream", "tasks/resubscribe":
		rpcErr = s.handleStream(ctx, w, req, id)
	default:
		var result any
		result, rpcErr = s.dispatch(ctx, req)
		if rpcErr != nil {
			writeJSON(w, http.StatusOK, rpcResponse{ID: id, Error: rpcErr})
		} else {
			writeJSON(w, http.StatusOK, rpcResponse{ID: id, Result: result})
		}
	}

	outcome := "ok"
	if rpcErr != nil {
		outcome = strconv.Itoa(rpcErr.Code)
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			otelpkg.AttrRPCMethod.String(req.Method),
			attribute.String("outcome", outcome),
		))
	}
	s.logger.DebugContext(ctx, "rpc handled", "method", req.Method, "user", UserFromContext(r.Context()),
		"outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "message/send":
		var p a2a.MessageSendParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		var (
			task *a2a.Task
			err  error
		)
		if cfg := p.Configuration; cfg != nil && cfg.Blocking != nil && !*cfg.Blocking {
			task, err = s.cfg.Tasks.SubmitAsync(ctx, p)
		} else {
			task, err = s.cfg.Tasks.Submit(ctx, p, nil)
		}
		if err != nil {
			return nil, s.toRPCError(err)
		}
		if cfg := p.Configuration; cfg != nil && cfg.HistoryLength != nil {
			task = task.WithHistoryLimit(*cfg.HistoryLength)
		}
		return task, nil

	case "tasks/get":
		var p a2a.TaskQueryParams
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if p.ID == "" {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "task id is required"}
		}
		task, err := s.cfg.Tasks.Get(ctx, p.ID, p.HistoryLength)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		return task, nil

	case "tasks/cancel":
		var p a2a.TaskIDParams
		if rpcErr := decodeTaskID(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		task, err := s.cfg.Tasks.Cancel(ctx, p.ID)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		return task, nil

	case "tasks/pushNotificationConfig/set":
		var p a2a.TaskPushNotificationConfig
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if p.TaskID == "" {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "task id is required"}
		}
		cfg, err := s.cfg.Tasks.SetPushConfig(ctx, p)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		return cfg, nil

	case "tasks/pushNotificationConfig/get":
		var p a2a.TaskIDParams
		if rpcErr := decodeTaskID(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		cfg, err := s.cfg.Tasks.GetPushConfig(ctx, p.ID)
		if err != nil {
			return nil, s.toRPCError(err)
		}
		return cfg, nil

	case "tasks/pushNotificationConfig/delete":
		var p a2a.TaskIDParams
		if rpcErr := decodeTaskID(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		if err := s.cfg.Tasks.DeletePushConfig(ctx, p.ID); err != nil {
			return nil, s.toRPCError(err)
		}
		return nil, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "Method not found: " + req.Method}
	}
}

func decodeParams(raw json.RawMessage, dst any) *rpcError {
	if len(raw) == 0 || string(raw) == "null" {
		return &rpcError{Code: ErrCodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func decodeTaskID(raw json.RawMessage, p *a2a.TaskIDParams) *rpcError {
	if rpcErr := decodeParams(raw, p); rpcErr != nil {
		return rpcErr
	}
	if p.ID == "" {
		return &rpcError{Code: ErrCodeInvalidParams, Message: "task id is required"}
	}
	return nil
}

// toRPCError maps task service errors onto JSON-RPC codes. Unexpected
// errors are logged and reported without detail.
func (s *Server) toRPCError(err error) *rpcError {
	switch {
	case errors.Is(err, a2a.ErrTaskNotFound):
		return &rpcError{Code: ErrCodeTaskNotFound, Message: "Task not found"}
	case errors.Is(err, coordinator.ErrTaskNotCancelable):
		return &rpcError{Code: ErrCodeTaskNotCancelable, Message: "Task cannot be canceled"}
	case errors.Is(err, coordinator.ErrPushNotSupported):
		return &rpcError{Code: ErrCodePushNotSupported, Message: "Push Notification is not supported"}
	case errors.Is(err, coordinator.ErrTaskTerminal), errors.Is(err, coordinator.ErrTaskBusy):
		return &rpcError{Code: ErrCodeUnsupportedOperation, Message: err.Error()}
	case errors.Is(err, coordinator.ErrEmptyMessage),
		errors.Is(err, coordinator.ErrInvalidPushConfig),
		errors.Is(err, coordinator.ErrPushConfigNotFound):
		return &rpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
	default:
		s.logger.Error("rpc failed", "error", err, "transient", persistence.Classify(err) == persistence.OutcomeTransientError)
		return &rpcError{Code: ErrCodeInternal, Message: "Internal error"}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	switch generic.(type) {
	case string, float64:
		return generic, true
	}
	return generic, false
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbErr := s.cfg.Store.Ping(ctx)
	payload := map[string]any{
		"healthy":            dbErr == nil,
		"db_ok":              dbErr == nil,
		"store":              s.cfg.Store.Health(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if dbErr != nil {
		payload["db_error"] = dbErr.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := defaultAPIListLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	tasks, err := s.cfg.Lister.List(r.Context(), q.Get("context_id"), limit, offset)
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "task store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks), "limit": limit, "offset": offset})
}

func (s *Server) handleAPITaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task id required"})
		return
	}
	task, err := s.cfg.Tasks.Get(r.Context(), taskID, nil)
	if errors.Is(err, a2a.ErrTaskNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if err != nil {
		s.logger.Error("get task failed", "task_id", taskID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "task store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

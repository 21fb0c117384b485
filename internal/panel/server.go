package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/stepflow"
)

// Engine is the part of *stepflow.Client the panel routes call.
type Engine interface {
	RunWorkflow(ctx context.Context, typeName string, input any, workflowID string) (string, error)
	SignalWorkflow(ctx context.Context, workflowID, name string, value any) error
	GetLatestRun(ctx context.Context, workflowID string) (*stepflow.WorkflowRun, error)
	GetWorkflowResult(ctx context.Context, workflowID string) (*stepflow.WorkflowResult, error)
	Query(ctx context.Context, workflowID, jq string) (any, error)
	ReRunWorkflowFromStart(ctx context.Context, workflowID string) (string, error)
	ReRunWorkflowFromFailed(ctx context.Context, workflowID string) (string, error)
	CreateSchedule(ctx context.Context, id, cronExpr, typeName string, input any) (*stepflow.CronSchedule, error)
	ListSchedules(ctx context.Context) ([]*stepflow.CronSchedule, error)
	DeleteSchedule(ctx context.Context, id string) error
}

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Engine Engine
	Hub    streaming.EventHub // optional; SSE routes answer 503 without it
	Logger *slog.Logger
}

// PanelServer serves the HTTP management API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflows.
	mux.HandleFunc("POST /api/workflows", s.handleRunWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflowResult)
	mux.HandleFunc("GET /api/workflows/{id}/run", s.handleLatestRun)
	mux.HandleFunc("POST /api/workflows/{id}/signals/{name}", s.handleSignal)
	mux.HandleFunc("POST /api/workflows/{id}/rerun", s.handleRerunWorkflow)

	// Cron schedules.
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/workflows/{id}", s.handleSSEWorkflow)

	return mux
}

// ListenAndServe serves the panel on addr until ctx is cancelled.
func (s *PanelServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.WithoutCancel(ctx))
	}()

	s.deps.Logger.Info("panel listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

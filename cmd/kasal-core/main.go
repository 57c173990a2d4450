// Command kasal-core is the execution core's single binary: it runs as
// the HTTP/WebSocket server when launched normally, and as a worker when
// launched with --mode=worker by pkg/pool (spec.md §4.5's spawn model —
// the pool execs this same binary so the worker starts from a clean
// interpreter image). Grounded on the teacher's cmd/tarsy/main.go wiring
// order (load env, build config, connect storage, build services, start
// server) and pkg/api/server.go's echo v5 + graceful-shutdown shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/databrickslabs/kasal-execution-core/pkg/config"
	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/crewbuilder"
	"github.com/databrickslabs/kasal-execution-core/pkg/execstore"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/llmmanager"
	"github.com/databrickslabs/kasal-execution-core/pkg/logqueue"
	"github.com/databrickslabs/kasal-execution-core/pkg/memory"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/orchestrator"
	"github.com/databrickslabs/kasal-execution-core/pkg/pool"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
	"github.com/databrickslabs/kasal-execution-core/pkg/stopctl"
	"github.com/databrickslabs/kasal-execution-core/pkg/subprocessrunner"
	"github.com/databrickslabs/kasal-execution-core/pkg/tracequeue"
	"github.com/databrickslabs/kasal-execution-core/pkg/wshub"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	mode := flag.String("mode", "server", "server or worker")
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	if *mode == "worker" {
		runWorker()
		return
	}

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v (continuing with existing environment)", envPath, err)
	}

	runServer()
}

// runWorker is the entrypoint pkg/pool execs for every job (spec.md §4.5,
// §4.6). It reads one Submission from stdin and runs it to completion.
func runWorker() {
	var sub subprocessrunner.Submission
	if err := json.NewDecoder(os.Stdin).Decode(&sub); err != nil {
		// Can't even decode the submission — still must post a result.
		subprocessrunner.Run(context.Background(), sub, subprocessrunner.Deps{}, os.Stdout)
		return
	}

	deps := subprocessrunner.Deps{
		LLMManager: llmmanager.StaticManager{},
		Tools:      passthroughToolRegistry{},
		Runner:     noopCrewRunner{},
	}
	subprocessrunner.Run(context.Background(), sub, deps, os.Stdout)
}

func runServer() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg := config.PoolConfigFromEnv()
	flags := config.NewEngineFlags(getEnv("CREWAI_DEBUG_TRACING", "false") == "true")

	repos, pgxPool, err := buildRepositories(ctx)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	if pgxPool != nil {
		defer pgxPool.Close()
	}

	store := execstore.New(repos.Executions, nil)

	hub := wshub.New(jobAuthorizer{store: store})
	store.SetBroadcaster(hub)

	traceQ := tracequeue.New(poolCfg.TraceQueueCapacity)
	traceWriter := tracequeue.NewWriter(traceQ, repos.Traces, flags, hub, poolCfg)
	go traceWriter.Run(ctx)

	logQ := logqueue.New(poolCfg.LogQueueCapacity)
	logWriter := logqueue.NewWriter(logQ, repos.Logs, hub, poolCfg.TraceWriterBatchSize, poolCfg.TraceWriterPollInterval)
	go logWriter.Run(ctx)

	procPool := pool.New(poolCfg, store, traceQ, logQ)
	stopCtl := stopctl.New(store, procPool)

	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/health", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":           "healthy",
			"active_jobs":      procPool.ActiveCount(),
			"ws_subscriptions": hub.ActiveConnections(),
		})
	})

	v1 := e.Group("/api/v1")
	v1.POST("/executions", func(c *echo.Context) error {
		gctx, err := resolveGroupContext(c)
		if err != nil {
			return toHTTPError(err)
		}
		var req createExecutionRequest
		if err := c.Bind(&req); err != nil {
			return toHTTPError(coreerr.Wrap(coreerr.InvalidConfig, "malformed execution request", err))
		}
		if req.CrewConfig == nil {
			return toHTTPError(coreerr.New(coreerr.InvalidConfig, "crew_config is required"))
		}
		jobID := req.JobID
		if jobID == "" {
			jobID = uuid.New().String()
		}
		timeout := poolCfg.DefaultJobTimeout
		if req.TimeoutSeconds > 0 {
			timeout = time.Duration(req.TimeoutSeconds) * time.Second
		}

		exec, err := store.Create(c.Request().Context(), jobID, gctx, req.CrewConfig.RunName, req.Inputs)
		if err != nil {
			return toHTTPError(err)
		}
		if err := procPool.Submit(c.Request().Context(), jobID, req.CrewConfig, gctx, req.Inputs, timeout, req.DebugTracing); err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusAccepted, exec)
	})
	v1.GET("/executions/:jobID", func(c *echo.Context) error {
		gctx, err := resolveGroupContext(c)
		if err != nil {
			return toHTTPError(err)
		}
		exec, err := store.Get(c.Request().Context(), c.Param("jobID"), gctx.GroupIDs)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, exec)
	})

	v1.POST("/executions/:jobID/stop", func(c *echo.Context) error {
		gctx, err := resolveGroupContext(c)
		if err != nil {
			return toHTTPError(err)
		}
		exec, err := stopCtl.Request(c.Request().Context(), c.Param("jobID"), gctx.PrimaryGroupID(), "requested by caller", stopctl.StopGraceful, true)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, exec)
	})

	e.GET("/ws/executions/:jobID", func(c *echo.Context) error {
		gctx, err := resolveGroupContext(c)
		if err != nil {
			return toHTTPError(err)
		}
		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true, // origin allowlisting is deployment-specific; not in scope here
		})
		if err != nil {
			return err
		}
		return hub.HandleConnection(c.Request().Context(), conn, c.Param("jobID"), gctx.GroupIDs)
	})

	httpPort := getEnv("HTTP_PORT", "8080")
	httpServer := &http.Server{Addr: ":" + httpPort, Handler: e}

	go func() {
		slog.Info("kasal-core listening", "port", httpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	procPool.Shutdown(shutdownCtx)
}

func buildRepositories(ctx context.Context) (*repository.Repositories, *pgxpool.Pool, error) {
	if getEnv("DATABASE_URL", "") == "" && getEnv("PGHOST", "") == "" {
		slog.Warn("no database configuration found, using in-memory storage (not for production use)")
		mem := repository.NewInMemory()
		return &repository.Repositories{Executions: mem.Executions(), Traces: mem.Traces(), Logs: mem.Logs()}, nil, nil
	}

	cfg := repository.Config{
		Host:     getEnv("PGHOST", "localhost"),
		User:     getEnv("PGUSER", "kasal"),
		Password: getEnv("PGPASSWORD", ""),
		Database: getEnv("PGDATABASE", "kasal"),
		SSLMode:  getEnv("PGSSLMODE", "disable"),
		Port:     5432,
		MaxConns: 10,
	}
	repos, pgxPool, err := repository.PGXRepositories(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return repos, pgxPool, nil
}

// createExecutionRequest is the POST /api/v1/executions request body:
// ExecutionService.start's job_config (spec.md §2). job_id is optional —
// callers that don't supply one get a generated UUID back in the response.
type createExecutionRequest struct {
	JobID          string            `json:"job_id"`
	CrewConfig     *model.CrewConfig `json:"crew_config"`
	Inputs         map[string]any    `json:"inputs"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	DebugTracing   bool              `json:"debug_tracing"`
}

// resolveGroupContext builds a GroupContext from the identity headers
// spec.md §6 defines. membershipLookup here is the single-workspace stub
// (every user belongs only to their personal workspace); a real
// deployment wires a directory-backed MembershipLookup instead.
func resolveGroupContext(c *echo.Context) (groupctx.GroupContext, error) {
	email := c.Request().Header.Get("X-Forwarded-Email")
	token := c.Request().Header.Get("X-Forwarded-Access-Token")
	if token == "" {
		if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	explicitGroup := c.Request().Header.Get("X-Kasal-Group")
	return groupctx.Resolve(c.Request().Context(), personalWorkspaceLookup{}, email, token, "", explicitGroup)
}

func toHTTPError(err error) error {
	switch coreerr.KindOf(err) {
	case coreerr.NotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case coreerr.Forbidden, coreerr.SecurityViolation:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case coreerr.InvalidConfig, coreerr.InvalidTransition, coreerr.AlreadyExists:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case coreerr.Overloaded:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case coreerr.Timeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case coreerr.Upstream:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// personalWorkspaceLookup is the minimal MembershipLookup used when no
// identity directory is configured: every email is a member of exactly
// its own personal workspace.
type personalWorkspaceLookup struct{}

func (personalWorkspaceLookup) MembershipsForEmail(context.Context, string) ([]groupctx.Membership, error) {
	return nil, nil
}

// jobAuthorizer implements wshub.Authorizer against the status store.
type jobAuthorizer struct{ store *execstore.Store }

func (j jobAuthorizer) AuthorizeJob(ctx context.Context, jobID string, groupIDs []string) error {
	_, err := j.store.Get(ctx, jobID, groupIDs)
	return err
}

// passthroughToolRegistry resolves every tool ID to itself; a real
// deployment backs crewbuilder.ToolRegistry with the group-scoped tool
// repository named in spec.md §4.7.
type passthroughToolRegistry struct{}

func (passthroughToolRegistry) Resolve(idOrName string) (string, bool) { return idOrName, false }

// noopCrewRunner is a placeholder subprocessrunner.CrewRunner; a real
// deployment's worker binary links the embedded orchestration library
// here. Its Build always fails, so a job run by this binary goes through
// memory attach and agent resolution and then posts a failed result; the
// event-listener and kickoff steps after Build are not reached.
type noopCrewRunner struct{}

func (noopCrewRunner) Build(_ context.Context, _ *model.CrewConfig, _ []crewbuilder.ResolvedAgent, _ *memory.Backends) (orchestrator.Runnable, error) {
	return nil, coreerr.New(coreerr.Internal, "no orchestration library wired into this worker binary")
}

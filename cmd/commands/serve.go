package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/overseer/internal/admission"
	"github.com/dohr-michael/overseer/internal/approvals"
	"github.com/dohr-michael/overseer/internal/budget"
	"github.com/dohr-michael/overseer/internal/config"
	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/gateway"
	"github.com/dohr-michael/overseer/internal/heartbeat"
	"github.com/dohr-michael/overseer/internal/orchestrator"
	"github.com/dohr-michael/overseer/internal/rollback"
	"github.com/dohr-michael/overseer/internal/safety"
	"github.com/dohr-michael/overseer/internal/scheduler"
	"github.com/dohr-michael/overseer/internal/storage"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the overseer control plane and gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

// services is the wired control plane.
type services struct {
	orchestrator *orchestrator.Orchestrator
	governor     *safety.Governor
	ledger       *budget.Ledger
	agents       *admission.Controller
	approvals    *approvals.Workflow
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level := cfg.LogLevel()
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	token, err := resolveSecret(cfg.Gateway.Token)
	if err != nil {
		return fmt.Errorf("gateway token: %w", err)
	}

	// Event bus + audit log
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()
	eventLog := storage.NewEventLogger(config.DataDir("events"), bus)
	defer eventLog.Close()

	svc, err := buildServices(cfg, bus)
	if err != nil {
		return err
	}

	report, err := svc.orchestrator.Recover()
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	slog.Info("startup recovery", "tasks_unblocked", report.TasksUnblocked, "convoys_unblocked", report.ConvoysUnblocked)

	// Config hot reload
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.OnReload(func(c *config.Config) {
		if err := svc.ledger.SetHourlyLimit(c.Budget.HourlyLimit); err != nil {
			slog.Warn("apply hourly limit", "error", err)
		}
		svc.agents.SetMax(c.Agents.MaxParallel)
	})

	// Maintenance jobs
	sched := scheduler.New(scheduler.Config{Bus: bus})
	hb := heartbeat.NewWriter(config.HeartbeatPath(), cfg.Gateway.Addr(), svc.snapshot)
	defer hb.Close()
	if err := addMaintenanceJobs(sched, cfg, svc, hb); err != nil {
		return err
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
	}()
	if err := hb.Beat(ctx); err != nil {
		slog.Warn("initial heartbeat", "error", err)
	}

	server := gateway.NewServer(gateway.ServerConfig{
		Bus: bus,
		Registry: gateway.NewRegistry(gateway.Services{
			Orchestrator: svc.orchestrator,
			Governor:     svc.governor,
			Scheduler:    sched,
		}),
		Addr:  cfg.Gateway.Addr(),
		Token: token,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := reloader.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		case <-ctx.Done():
			slog.Info("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	}
}

func buildServices(cfg *config.Config, bus *events.Bus) (*services, error) {
	taskStore := tasks.NewFileStore(config.DataDir("tasks"))
	orch := orchestrator.New(orchestrator.Config{
		Tasks:                taskStore,
		Convoys:              convoys.NewFileStore(config.DataDir("convoys")),
		Bus:                  bus,
		DefaultMaxIterations: cfg.Tasks.DefaultMaxIterations,
	})

	ledger, err := budget.Open(budget.Config{
		Dir:         config.DataDir("budget"),
		HourlyLimit: cfg.Budget.HourlyLimit,
		Window:      cfg.Budget.Window.Duration(),
		History:     cfg.Budget.History.Duration(),
		Bus:         bus,
	})
	if err != nil {
		return nil, fmt.Errorf("open budget ledger: %w", err)
	}

	agents := admission.NewController(cfg.Agents.MaxParallel, bus)
	workflow := approvals.NewWorkflow(approvals.Config{
		Store: approvals.NewFileStore(config.DataDir("approvals")),
		TTL:   cfg.Approvals.TTL.Duration(),
		Bus:   bus,
	})

	var coordinator *rollback.Coordinator
	if cfg.Rollback.RepoDir != "" {
		coordinator, err = rollback.NewCoordinator(rollback.Config{
			Dir: config.DataDir("rollback"),
			VCS: &rollback.Git{
				Dir:            cfg.Rollback.RepoDir,
				CleanUntracked: cfg.Rollback.CleanUntracked,
				Timeout:        cfg.Rollback.Timeout.Duration(),
			},
			Ignore: cfg.Rollback.Ignore,
			Bus:    bus,
		})
		if err != nil {
			return nil, fmt.Errorf("init rollback: %w", err)
		}
	} else {
		slog.Info("rollback disabled: rollback.repo_dir not set")
	}

	governor := safety.NewGovernor(safety.Config{
		Iterations: safety.NewIterationGuard(taskStore),
		Budget:     ledger,
		Agents:     agents,
		Approvals:  workflow,
		Rollback:   coordinator,
		Bus:        bus,
	})

	return &services{
		orchestrator: orch,
		governor:     governor,
		ledger:       ledger,
		agents:       agents,
		approvals:    workflow,
	}, nil
}

func addMaintenanceJobs(sched *scheduler.Scheduler, cfg *config.Config, svc *services, hb *heartbeat.Writer) error {
	jobs := []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{"approvals-sweep", cfg.Approvals.Sweep, func(context.Context) error {
			_, err := svc.approvals.ExpireStale()
			return err
		}},
		{"budget-prune", "@every 10m", func(context.Context) error {
			if n := svc.ledger.Prune(); n > 0 {
				slog.Debug("budget history pruned", "entries", n)
			}
			return nil
		}},
		{"heartbeat", "@every 30s", hb.Beat},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.fn); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return nil
}

// snapshot gathers the governance view written into each heartbeat.
func (s *services) snapshot(_ context.Context) (heartbeat.Governance, error) {
	status := s.ledger.GetBudgetStatus()
	gov := heartbeat.Governance{
		HourlyLimit:     status.HourlyLimit,
		SpentThisHour:   status.SpentThisHour,
		RemainingBudget: status.RemainingBudget,
		BudgetPaused:    status.Paused,
		ActiveAgents:    s.agents.GetActiveAgentCount(),
		MaxAgents:       s.agents.Max(),
		Tasks:           make(map[string]int),
		Convoys:         make(map[string]int),
	}

	pending, err := s.approvals.ListPendingApprovals()
	if err != nil {
		return gov, err
	}
	gov.PendingApprovals = len(pending)

	taskList, err := s.orchestrator.ListTasks(tasks.ListFilter{})
	if err != nil {
		return gov, err
	}
	for _, t := range taskList {
		gov.Tasks[string(t.Status)]++
	}

	convoyList, err := s.orchestrator.ListConvoys(convoys.ListFilter{})
	if err != nil {
		return gov, err
	}
	for _, c := range convoyList {
		gov.Convoys[string(c.Status)]++
	}
	return gov, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mstolin/foreman/internal/config"
	"github.com/mstolin/foreman/internal/decompose"
	"github.com/mstolin/foreman/internal/events"
	"github.com/mstolin/foreman/internal/persistence"
	"github.com/mstolin/foreman/internal/pool"
	"github.com/mstolin/foreman/internal/queue"
	"github.com/mstolin/foreman/internal/runtime"
	"github.com/mstolin/foreman/internal/scheduler"
	"github.com/mstolin/foreman/internal/task"
)

type runFlags struct {
	goal    string
	plan    string
	workDir string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Decompose a goal and run the worker pool until the task graph is exhausted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.goal == "" && flags.plan == "" {
				return fmt.Errorf("either --goal or --plan is required")
			}
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if flags.workDir != "" {
				cfg.Agent.WorkDir = flags.workDir
			}
			return runForeman(cmd.Context(), cfg, flags)
		},
	}

	cmd.Flags().StringVar(&flags.goal, "goal", "", "Goal/PRD text to decompose into tasks")
	cmd.Flags().StringVar(&flags.plan, "plan", "", "Path to a pre-written JSON task plan (skips the planner agent)")
	cmd.Flags().StringVar(&flags.workDir, "workdir", "", "Working directory for agent invocations")

	return cmd
}

func runForeman(parent context.Context, cfg *config.Config, flags *runFlags) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pm := runtime.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Printf("WARNING: killing leftover subprocesses: %v", err)
		}
	}()

	bus := events.NewBus()
	defer bus.Close()

	journal, err := openJournal(ctx, cfg.Persistence.Path)
	if err != nil {
		return err
	}
	defer journal.Close()

	store := task.NewStore()
	q := queue.New(queue.Config{
		DequeueTimeout: cfg.Queue.DequeueTimeout.Std(),
		Visibility:     cfg.Queue.VisibilityTimeout.Std(),
		Capacity:       cfg.Queue.Capacity,
	})
	results := queue.NewResultChannel(cfg.Queue.Capacity)

	executor := runtime.NewAgentExecutor(runtime.AgentConfig{
		Command:      cfg.Agent.Command,
		Args:         cfg.Agent.Args,
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		WorkDir:      cfg.Agent.WorkDir,
		Capability:   cfg.Pool.Capability,
	}, pm)
	rt := runtime.NewGoroutineRuntime(q, results, bus, executor, 0, cfg.Queue.VisibilityTimeout.Std())

	manager := pool.NewManager(pool.Config{
		Ceiling:          cfg.Pool.Ceiling,
		Floor:            cfg.Pool.Floor,
		TargetPerWorker:  cfg.Pool.TargetPerWorker,
		HeartbeatTimeout: cfg.Pool.HeartbeatTimeout.Std(),
		ScaleInterval:    cfg.Pool.ScaleInterval.Std(),
		Capability:       cfg.Pool.Capability,
	}, rt, q, bus, journal)

	sched := scheduler.New(scheduler.Config{
		RetryLimit:   cfg.Scheduler.RetryLimit,
		PollInterval: cfg.Scheduler.PollInterval.Std(),
	}, store, q, results, bus, journal)

	// Plan before starting workers so an unusable goal fails fast.
	tasks, err := buildPlan(ctx, cfg, flags, pm)
	if err != nil {
		return err
	}
	if err := sched.Seed(ctx, tasks); err != nil {
		return err
	}
	log.Printf("Seeded %d tasks", len(tasks))

	go logEvents(bus.SubscribeAll(0))

	// Prime the pool at the floor so workers are pulling before the first
	// auto-scale tick.
	for i := 0; i < cfg.Pool.Floor; i++ {
		if _, err := manager.Spawn(ctx); err != nil {
			return fmt.Errorf("starting initial workers: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return sched.Run(runCtx)
	})
	g.Go(func() error {
		err := manager.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	runErr := g.Wait()
	printSummary(store, manager)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted")
	}
	counts := store.Counts()
	if counts[task.StatusFailed] > 0 {
		return fmt.Errorf("%d tasks failed", counts[task.StatusFailed])
	}
	return nil
}

// buildPlan produces the initial task set, either from a static plan file or
// by invoking the planner agent on the goal.
func buildPlan(ctx context.Context, cfg *config.Config, flags *runFlags, pm *runtime.ProcessManager) ([]*task.Task, error) {
	var d decompose.Decomposer
	if flags.plan != "" {
		d = &decompose.StaticDecomposer{Path: flags.plan}
	} else {
		d = &decompose.AgentDecomposer{
			Command: cfg.Agent.Command,
			Args:    cfg.Agent.Args,
			Model:   cfg.Agent.Model,
			WorkDir: cfg.Agent.WorkDir,
			ProcMgr: pm,
		}
	}

	specs, err := d.Decompose(ctx, flags.goal)
	if err != nil {
		return nil, err
	}

	tasks := make([]*task.Task, 0, len(specs))
	for _, spec := range specs {
		tasks = append(tasks, decompose.ToTask(spec))
	}
	return tasks, nil
}

func openJournal(ctx context.Context, path string) (persistence.Journal, error) {
	if path == "" {
		return persistence.Noop{}, nil
	}
	j, err := persistence.NewSQLiteJournal(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return j, nil
}

// logEvents mirrors the event stream to the process log.
func logEvents(sub <-chan events.Event) {
	for ev := range sub {
		switch e := ev.(type) {
		case events.TaskQueuedEvent:
			log.Printf("task %s queued (attempt %d)", e.TaskID, e.Attempt)
		case events.TaskStartedEvent:
			log.Printf("task %s started on %s", e.TaskID, e.WorkerID)
		case events.TaskCompletedEvent:
			log.Printf("task %s completed by %s", e.TaskID, e.WorkerID)
		case events.TaskFailedEvent:
			if e.WillRetry {
				log.Printf("task %s failed (attempt %d, will retry): %s", e.TaskID, e.Attempt, e.Reason)
			} else {
				log.Printf("task %s failed permanently: %s", e.TaskID, e.Reason)
			}
		case events.TaskRequeuedEvent:
			log.Printf("task %s requeued after losing worker %s", e.TaskID, e.WorkerID)
		case events.TaskRejectedEvent:
			log.Printf("task %s rejected: %s", e.TaskID, e.Reason)
		case events.WorkerStartedEvent:
			log.Printf("worker %s started (%s)", e.WorkerID, e.Capability)
		case events.WorkerStoppedEvent:
			log.Printf("worker %s stopped: %s", e.WorkerID, e.Reason)
		case events.WorkerUnhealthyEvent:
			log.Printf("worker %s unhealthy, last heartbeat %s", e.WorkerID, e.LastHeartbeat.Format("15:04:05"))
		case events.PoolScaledEvent:
			log.Printf("pool scaled: desired=%d live=%d depth=%d spawned=%d stopped=%d",
				e.Desired, e.Live, e.QueueDepth, e.Spawned, e.Stopped)
		case events.SchedulerStateEvent:
			log.Printf("scheduler %s -> %s", e.From, e.To)
		}
	}
}

func printSummary(store *task.Store, manager *pool.Manager) {
	counts := store.Counts()
	snap := manager.Snapshot()
	fmt.Printf("\nRun finished: %d completed, %d failed, %d pending\n",
		counts[task.StatusCompleted], counts[task.StatusFailed], counts[task.StatusPending])
	fmt.Printf("Pool: %d workers live at shutdown, queue depth %d\n", snap.Live, snap.QueueDepth)

	failed := store.List(task.StatusFailed)
	for _, t := range failed {
		fmt.Printf("  failed: %s (%s) after %d attempts: %s\n", t.ID, t.Title, t.Attempts, t.Reason)
	}
}

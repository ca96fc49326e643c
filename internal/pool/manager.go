package pool

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mstolin/foreman/internal/events"
	"github.com/mstolin/foreman/internal/persistence"
	"github.com/mstolin/foreman/internal/queue"
	"github.com/mstolin/foreman/internal/runtime"
)

// Config controls the worker pool manager.
type Config struct {
	Ceiling          int           // Hard concurrency ceiling (operator-set)
	Floor            int           // Minimum worker count
	TargetPerWorker  int           // Queue items per worker the scaler aims for
	HeartbeatTimeout time.Duration // Missed-heartbeat threshold
	ScaleInterval    time.Duration // Auto-scale polling cadence
	Capability       string        // Capability tag assigned to spawned workers
}

// member pairs a worker record with its runtime handle.
type member struct {
	rec       *Worker
	handle    runtime.Handle
	idleSince time.Time
	busyStart time.Time
}

// Manager owns the set of live workers. It starts and stops them through
// the worker runtime, tracks heartbeats, enforces the concurrency ceiling,
// and runs the auto-scaling decision loop on its own cadence, independent
// of the scheduler.
type Manager struct {
	cfg     Config
	rt      runtime.Runtime
	queue   *queue.WorkQueue
	bus     *events.Bus
	journal persistence.Journal

	mu      sync.Mutex
	workers map[string]*member
}

// NewManager creates a pool manager. Zero config fields get defaults.
func NewManager(cfg Config, rt runtime.Runtime, q *queue.WorkQueue, bus *events.Bus, journal persistence.Journal) *Manager {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 8
	}
	if cfg.Floor < 0 {
		cfg.Floor = 0
	}
	if cfg.TargetPerWorker <= 0 {
		cfg.TargetPerWorker = 2
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 10 * time.Second
	}
	if cfg.Capability == "" {
		cfg.Capability = "general"
	}
	if journal == nil {
		journal = persistence.Noop{}
	}
	return &Manager{
		cfg:     cfg,
		rt:      rt,
		queue:   q,
		bus:     bus,
		journal: journal,
		workers: make(map[string]*member),
	}
}

// Spawn starts one worker. The ceiling check and the slot reservation are
// atomic, so concurrent manual spawns and the auto-scaler cannot overshoot
// the budget together.
func (m *Manager) Spawn(ctx context.Context) (string, error) {
	m.mu.Lock()
	if len(m.workers) >= m.cfg.Ceiling {
		live := len(m.workers)
		m.mu.Unlock()
		return "", &ScaleLimitExceededError{Ceiling: m.cfg.Ceiling, Live: live}
	}

	now := time.Now()
	id := "worker-" + uuid.NewString()[:8]
	rec := &Worker{
		ID:            id,
		Capability:    m.cfg.Capability,
		Status:        WorkerStarting,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	m.workers[id] = &member{rec: rec}
	m.mu.Unlock()

	h, err := m.rt.Start(ctx, runtime.WorkerSpec{ID: id, Capability: m.cfg.Capability})
	if err != nil {
		m.mu.Lock()
		delete(m.workers, id)
		m.mu.Unlock()
		return "", err
	}

	m.mu.Lock()
	mem := m.workers[id]
	mem.handle = h
	mem.rec.Status = WorkerIdle
	mem.idleSince = time.Now()
	m.mu.Unlock()

	m.bus.Publish(events.TopicWorker, events.WorkerStartedEvent{
		WorkerID:   id,
		Capability: m.cfg.Capability,
		Timestamp:  time.Now(),
	})
	if err := m.journal.RecordWorkerStarted(ctx, id, m.cfg.Capability); err != nil {
		log.Printf("WARNING: failed to journal worker start %q: %v", id, err)
	}

	return id, nil
}

// Stop gracefully shuts down a worker. If the worker owns a task, its queue
// lease is released so the scheduler requeues it; there is no silent task
// loss on worker termination.
func (m *Manager) Stop(ctx context.Context, workerID string) error {
	return m.stop(ctx, workerID, "requested")
}

func (m *Manager) stop(ctx context.Context, workerID, reason string) error {
	m.mu.Lock()
	mem, exists := m.workers[workerID]
	if !exists {
		m.mu.Unlock()
		return &WorkerNotFoundError{WorkerID: workerID}
	}
	delete(m.workers, workerID)
	ownedTask := mem.rec.CurrentTask
	usage := mem.rec.Usage
	m.mu.Unlock()

	if err := m.rt.Terminate(mem.handle); err != nil {
		log.Printf("WARNING: terminating worker %q: %v", workerID, err)
	}
	if ownedTask != "" {
		m.queue.Release(ownedTask)
	}

	m.bus.Publish(events.TopicWorker, events.WorkerStoppedEvent{
		WorkerID:  workerID,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err := m.journal.RecordWorkerStopped(ctx, workerID, reason, usage.TasksCompleted, usage.TasksFailed); err != nil {
		log.Printf("WARNING: failed to journal worker stop %q: %v", workerID, err)
	}
	return nil
}

// Status is an aggregate snapshot of the pool.
type Status struct {
	Workers    []Worker
	Live       int
	Idle       int
	Busy       int
	QueueDepth int
	Inflight   int
}

// Snapshot returns a point-in-time view of the pool for the dashboard/API
// layer.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		QueueDepth: m.queue.Depth(),
		Inflight:   m.queue.Inflight(),
	}
	for _, mem := range m.workers {
		st.Workers = append(st.Workers, *mem.rec)
		st.Live++
		switch mem.rec.Status {
		case WorkerIdle:
			st.Idle++
		case WorkerBusy:
			st.Busy++
		}
	}
	sort.Slice(st.Workers, func(i, j int) bool {
		return st.Workers[i].StartedAt.Before(st.Workers[j].StartedAt)
	})
	return st
}

// Run drives the pool: it applies worker busy/idle events from the bus and
// executes the health check plus auto-scale decision on the configured
// polling interval. Run returns when ctx is cancelled, stopping all workers.
func (m *Manager) Run(ctx context.Context) error {
	sub := m.bus.Subscribe(events.TopicWorker, 1024)
	ticker := time.NewTicker(m.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			m.applyEvent(ev)
		case <-ticker.C:
			m.checkHealth(ctx)
			m.rescale(ctx)
		}
	}
}

// applyEvent updates worker records from busy/idle notifications published
// by worker loops.
func (m *Manager) applyEvent(ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case events.WorkerBusyEvent:
		if mem, exists := m.workers[e.WorkerID]; exists {
			mem.rec.Status = WorkerBusy
			mem.rec.CurrentTask = e.TaskID
			mem.busyStart = e.Timestamp
		}
	case events.WorkerIdleEvent:
		if mem, exists := m.workers[e.WorkerID]; exists {
			mem.rec.Status = WorkerIdle
			mem.rec.CurrentTask = ""
			mem.idleSince = e.Timestamp
			if !mem.busyStart.IsZero() {
				mem.rec.Usage.BusyTime += e.Timestamp.Sub(mem.busyStart)
				mem.busyStart = time.Time{}
			}
			if e.Failed {
				mem.rec.Usage.TasksFailed++
			} else {
				mem.rec.Usage.TasksCompleted++
			}
		}
	}
}

// checkHealth polls runtime heartbeats. Workers past the heartbeat
// threshold are marked unhealthy and force-stopped; workers whose runtime
// has already exited are reaped. Either way an owned task is released back
// to the queue.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	type candidate struct {
		id       string
		lastBeat time.Time
		dead     bool
	}
	var suspects []candidate
	now := time.Now()
	for id, mem := range m.workers {
		hb, alive := m.rt.Heartbeat(mem.handle)
		if !alive {
			suspects = append(suspects, candidate{id: id, dead: true})
			continue
		}
		mem.rec.LastHeartbeat = hb
		if now.Sub(hb) > m.cfg.HeartbeatTimeout {
			mem.rec.Status = WorkerUnhealthy
			suspects = append(suspects, candidate{id: id, lastBeat: hb})
		}
	}
	m.mu.Unlock()

	for _, s := range suspects {
		if s.dead {
			log.Printf("WARNING: worker %q exited unexpectedly, reaping", s.id)
			if err := m.stop(ctx, s.id, "exited"); err != nil {
				log.Printf("ERROR: reaping worker %q: %v", s.id, err)
			}
			continue
		}
		m.bus.Publish(events.TopicWorker, events.WorkerUnhealthyEvent{
			WorkerID:      s.id,
			LastHeartbeat: s.lastBeat,
			Timestamp:     now,
		})
		log.Printf("WARNING: worker %q missed heartbeat threshold, force-stopping", s.id)
		if err := m.stop(ctx, s.id, "heartbeat timeout"); err != nil {
			log.Printf("ERROR: force-stopping worker %q: %v", s.id, err)
		}
	}
}

// rescale computes the desired worker count from queue depth and converges
// the pool toward it. Idempotent: with unchanged depth and worker count a
// second call performs no spawns or stops. Scale-down stops the most
// recently idle workers first and never interrupts a busy worker.
func (m *Manager) rescale(ctx context.Context) {
	depth := m.queue.Depth()

	m.mu.Lock()
	live := len(m.workers)
	m.mu.Unlock()

	desired := m.desired(depth)

	var spawned, stopped int
	switch {
	case desired > live:
		for i := 0; i < desired-live; i++ {
			if _, err := m.Spawn(ctx); err != nil {
				var limitErr *ScaleLimitExceededError
				if errors.As(err, &limitErr) {
					log.Printf("WARNING: auto-scale spawn rejected: %v", err)
					break
				}
				log.Printf("ERROR: auto-scale spawn failed: %v", err)
				break
			}
			spawned++
		}
	case desired < live:
		stopped = m.stopIdle(ctx, live-desired)
	}

	if spawned > 0 || stopped > 0 {
		m.bus.Publish(events.TopicPool, events.PoolScaledEvent{
			Desired:    desired,
			Live:       live,
			QueueDepth: depth,
			Spawned:    spawned,
			Stopped:    stopped,
			Timestamp:  time.Now(),
		})
	}
}

// desired implements the scaling formula:
// min(ceiling, max(floor, ceil(depth / targetPerWorker))).
func (m *Manager) desired(depth int) int {
	d := (depth + m.cfg.TargetPerWorker - 1) / m.cfg.TargetPerWorker
	if d < m.cfg.Floor {
		d = m.cfg.Floor
	}
	if d > m.cfg.Ceiling {
		d = m.cfg.Ceiling
	}
	return d
}

// stopIdle stops up to n idle workers, most recently idle first. Busy and
// starting workers are never candidates.
func (m *Manager) stopIdle(ctx context.Context, n int) int {
	m.mu.Lock()
	var idle []*member
	for _, mem := range m.workers {
		if mem.rec.Status == WorkerIdle {
			idle = append(idle, mem)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].idleSince.After(idle[j].idleSince)
	})
	if n > len(idle) {
		n = len(idle)
	}
	ids := make([]string, 0, n)
	for _, mem := range idle[:n] {
		ids = append(ids, mem.rec.ID)
	}
	m.mu.Unlock()

	stopped := 0
	for _, id := range ids {
		if err := m.stop(ctx, id, "scale down"); err != nil {
			log.Printf("ERROR: scale-down stop of worker %q: %v", id, err)
			continue
		}
		stopped++
	}
	return stopped
}

// shutdown stops every worker on manager exit.
func (m *Manager) shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.stop(context.Background(), id, "shutdown"); err != nil {
			log.Printf("ERROR: shutdown stop of worker %q: %v", id, err)
		}
	}
}

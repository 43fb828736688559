package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// Manager runs the job queue and the cron schedule feeding it
type Manager struct {
	queue             *Queue
	cron              *cron.Cron
	reconcileSchedule string
	reconcileAge      time.Duration
	mu                sync.Mutex
	running           bool
}

// NewManager wires the queue to a cron schedule. An empty schedule disables
// purchase reconciliation.
func NewManager(queue *Queue, reconcileSchedule string, reconcileAge time.Duration) *Manager {
	if reconcileAge <= 0 {
		reconcileAge = DefaultReconcileAge
	}
	return &Manager{
		queue:             queue,
		reconcileSchedule: reconcileSchedule,
		reconcileAge:      reconcileAge,
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	c := cron.New()
	if m.reconcileSchedule != "" {
		if _, err := c.AddFunc(m.reconcileSchedule, m.enqueueReconcile); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", m.reconcileSchedule, err)
		}
		log.Infof("[JobQueue Manager] Purchase reconciliation scheduled at %q", m.reconcileSchedule)
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	m.queue.Start()
	c.Start()
	m.cron = c
	m.running = true
	log.Info("[JobQueue Manager] Started successfully")
	return nil
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	<-m.cron.Stop().Done()
	m.cron = nil
	m.running = false
	m.queue.Stop()
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunReconcileOnce enqueues a reconciliation run outside the schedule.
func (m *Manager) RunReconcileOnce(ctx context.Context) (*Job, error) {
	return m.queue.EnqueueReconcilePurchases(ctx, m.reconcileAge)
}

func (m *Manager) enqueueReconcile() {
	if _, err := m.RunReconcileOnce(context.Background()); err != nil {
		log.Errorf("[JobQueue Manager] Enqueue purchase reconciliation: %v", err)
	}
}

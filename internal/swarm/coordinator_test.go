package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, clock.NewSystemClock(), clock.NewIDGenerator())
	t.Cleanup(c.Shutdown)
	return c
}

func agent(id string, role models.AgentRole, weight float64) models.Agent {
	return models.Agent{ID: id, Role: role, Weight: weight}
}

// gateHandler blocks Execute until released and records the order tasks
// started in.
type gateHandler struct {
	mu      sync.Mutex
	started []string
	startCh chan string
	release chan struct{}
}

func newGateHandler() *gateHandler {
	return &gateHandler{
		startCh: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (h *gateHandler) Execute(ctx context.Context, task *models.Task) (models.JSONB, error) {
	h.mu.Lock()
	h.started = append(h.started, task.ID)
	h.mu.Unlock()
	h.startCh <- task.ID

	select {
	case <-h.release:
		return models.JSONB{"status": "ok"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *gateHandler) Vote(ctx context.Context, topic string, payload models.JSONB) (bool, float64, string, error) {
	return true, 1.0, "gate approves", nil
}

func waitForStart(t *testing.T, h *gateHandler) string {
	t.Helper()
	select {
	case id := <-h.startCh:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no task started in time")
		return ""
	}
}

func TestSubmitDispatchComplete(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1.5), &FixedVoteHandler{Approve: true, Confidence: 1}))
	require.NoError(t, c.Start())

	submitted, err := c.Submit("execute", models.JSONB{"payment": "pay_1"}, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, submitted.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := c.Wait(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.Equal(t, "exec-1", done.AgentID)
	assert.Equal(t, "ok", done.Result["status"])

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestUnknownKindRejected(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	_, err := c.Submit("teleport", nil, 1, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestNoEligibleAgentsFailsTask(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	// Only a validator: nothing can serve "execute".
	require.NoError(t, c.RegisterAgent(agent("val-1", models.RoleValidator, 1), &FixedVoteHandler{Approve: true, Confidence: 1}))
	require.NoError(t, c.Start())

	submitted, err := c.Submit("execute", nil, 1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := c.Wait(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskFailed, done.Status)
	assert.Equal(t, ErrNoEligibleAgents.Error(), done.Error)
}

func TestHandlerErrorFailsTask(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	boom := errors.New("bridge unavailable")
	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1), &FixedVoteHandler{ExecuteErr: boom}))
	require.NoError(t, c.Start())

	submitted, err := c.Submit("execute", nil, 1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := c.Wait(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskFailed, done.Status)
	assert.Contains(t, done.Error, ErrHandlerFailure.Error())
	assert.Contains(t, done.Error, "bridge unavailable")

	// The agent is released for new work after a failed task.
	agents := c.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, models.AgentActive, agents[0].Status)
}

func TestBusyAgentHoldsExactlyOneTask(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	gate := newGateHandler()
	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1), gate))
	require.NoError(t, c.Start())

	first, err := c.Submit("execute", nil, 5, nil)
	require.NoError(t, err)
	second, err := c.Submit("execute", nil, 5, nil)
	require.NoError(t, err)

	startedID := waitForStart(t, gate)
	assert.Equal(t, first.ID, startedID)

	agents := c.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, models.AgentBusy, agents[0].Status)

	inProgress, err := c.Task(first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskInProgress, inProgress.Status)

	// The second task stays queued while the only executor is busy.
	queued, err := c.Task(second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, queued.Status)

	close(gate.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Wait(ctx, first.ID)
	require.NoError(t, err)
	doneSecond, err := c.Wait(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, doneSecond.Status)
}

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	gate := newGateHandler()
	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1), gate))
	require.NoError(t, c.Start())

	// Occupy the executor so later submissions pile up in the queue.
	blocker, err := c.Submit("execute", nil, 1, nil)
	require.NoError(t, err)
	waitForStart(t, gate)

	low, err := c.Submit("execute", nil, 1, nil)
	require.NoError(t, err)
	high, err := c.Submit("execute", nil, 10, nil)
	require.NoError(t, err)

	close(gate.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range []string{blocker.ID, low.ID, high.ID} {
		_, err := c.Wait(ctx, id)
		require.NoError(t, err)
	}

	gate.mu.Lock()
	order := append([]string(nil), gate.started...)
	gate.mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, blocker.ID, order[0])
	assert.Equal(t, high.ID, order[1], "priority 10 must run before priority 1")
	assert.Equal(t, low.ID, order[2])
}

func TestHeaviestEligibleAgentWins(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	require.NoError(t, c.RegisterAgent(agent("val-light", models.RoleValidator, 1.0), &FixedVoteHandler{Approve: true, Confidence: 1}))
	require.NoError(t, c.RegisterAgent(agent("assessor-heavy", models.RoleRiskAssessor, 2.0), &FixedVoteHandler{Approve: true, Confidence: 1}))
	require.NoError(t, c.Start())

	submitted, err := c.Submit("validate", nil, 1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := c.Wait(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, "assessor-heavy", done.AgentID)
}

func TestExpiredDeadlineFailsWithTimeout(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1), &FixedVoteHandler{Approve: true, Confidence: 1}))
	require.NoError(t, c.Start())

	past := time.Now().Add(-time.Second)
	submitted, err := c.Submit("execute", nil, 1, &past)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done, err := c.Wait(ctx, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, models.TaskFailed, done.Status)
	assert.Equal(t, ErrTaskTimeout.Error(), done.Error)

	// The agent must be released even though the handler never ran.
	agents := c.Agents()
	assert.Equal(t, models.AgentActive, agents[0].Status)
}

func TestAgentFailureRequeuesToFront(t *testing.T) {
	c := newTestCoordinator(t, Config{TaskTimeout: 30 * time.Second, ConsensusThreshold: 0.66, RecoveryEnabled: false, RecoveryDelay: time.Hour})
	gate := newGateHandler()
	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1), gate))
	require.NoError(t, c.Start())

	victim, err := c.Submit("execute", nil, 5, nil)
	require.NoError(t, err)
	waitForStart(t, gate)

	other, err := c.Submit("execute", nil, 9, nil)
	require.NoError(t, err)

	require.NoError(t, c.HandleAgentFailure("exec-1"))

	reclaimed, err := c.Task(victim.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, reclaimed.Status)
	assert.Empty(t, reclaimed.AgentID)

	// Idempotent: failing a failed agent changes nothing.
	require.NoError(t, c.HandleAgentFailure("exec-1"))

	// A replacement executor picks up the reclaimed task before the
	// higher-priority one: failure requeues jump the priority order.
	gate2 := newGateHandler()
	require.NoError(t, c.RegisterAgent(agent("exec-2", models.RoleExecutor, 1), gate2))

	firstStarted := waitForStart(t, gate2)
	assert.Equal(t, victim.ID, firstStarted)

	close(gate2.release)
	close(gate.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Wait(ctx, victim.ID)
	require.NoError(t, err)
	_, err = c.Wait(ctx, other.ID)
	require.NoError(t, err)
}

func TestAgentRecovery(t *testing.T) {
	clk := clock.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewCoordinator(Config{
		TaskTimeout:        30 * time.Second,
		ConsensusThreshold: 0.66,
		RecoveryEnabled:    true,
		RecoveryDelay:      5 * time.Second,
	}, clk, clock.NewIDGenerator())
	t.Cleanup(c.Shutdown)

	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1), &FixedVoteHandler{Approve: true, Confidence: 1}))
	require.NoError(t, c.Start())

	require.NoError(t, c.HandleAgentFailure("exec-1"))
	assert.Equal(t, models.AgentFailed, c.Agents()[0].Status)

	// Advance inside the poll: the recovery timer registers on a separate
	// goroutine, so a single early advance could miss it.
	require.Eventually(t, func() bool {
		clk.Advance(5 * time.Second)
		return c.Agents()[0].Status == models.AgentActive
	}, 2*time.Second, 20*time.Millisecond, "agent should return to active after the recovery delay")
}

func TestShutdownIsIdempotentAndRejectsSubmits(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig())
	gate := newGateHandler()
	require.NoError(t, c.RegisterAgent(agent("exec-1", models.RoleExecutor, 1), gate))
	require.NoError(t, c.Start())

	running, err := c.Submit("execute", nil, 1, nil)
	require.NoError(t, err)
	waitForStart(t, gate)

	queued, err := c.Submit("execute", nil, 1, nil)
	require.NoError(t, err)

	// Shutdown drains the pending queue immediately, then blocks on the
	// in-flight handler; release it so the wait can finish.
	shutdownDone := make(chan struct{})
	go func() {
		c.Shutdown()
		close(shutdownDone)
	}()

	require.Eventually(t, func() bool {
		tk, err := c.Task(queued.ID)
		return err == nil && tk.Status == models.TaskFailed
	}, 2*time.Second, 10*time.Millisecond, "queued task must be dropped on shutdown")

	close(gate.release)
	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	c.Shutdown() // idempotent

	for _, a := range c.Agents() {
		assert.Equal(t, models.AgentOffline, a.Status)
	}

	runningTask, err := c.Task(running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, runningTask.Status)

	_, err = c.Submit("execute", nil, 1, nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownFailsUndeliveredAssignment(t *testing.T) {
	c := NewCoordinator(DefaultConfig(), clock.NewSystemClock(), clock.NewIDGenerator())
	require.NoError(t, c.RegisterAgent(agent("a1", models.RoleValidator, 1.0), newGateHandler()))

	// Reproduce the dispatcher handing a task to a worker that stops
	// before receiving it: assigned, in the inbox, never picked up.
	task := &models.Task{ID: "task-stranded", Kind: "validate", Status: models.TaskAssigned, AgentID: "a1"}
	c.mu.Lock()
	c.tasks[task.ID] = task
	c.done[task.ID] = make(chan struct{})
	st := c.agents["a1"]
	st.agent.Status = models.AgentBusy
	c.mu.Unlock()
	st.inbox <- task

	c.Shutdown()

	// Waiters must unblock with a terminal status instead of hanging
	// until their context expires.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.Wait(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, ErrShutdown.Error(), got.Error)
}

// Package swarm coordinates a fleet of specialized agents: a priority
// task queue with an urgent head, a single dispatcher that assigns work
// to the heaviest eligible agent, weighted consensus voting, and failure
// recovery that reclaims orphaned tasks.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paymesh/payment-fabric/internal/clock"
	"github.com/paymesh/payment-fabric/internal/models"
)

var (
	// ErrNoEligibleAgents means no agent able to serve the task kind is
	// active, failed-over, or busy; the task cannot make progress.
	ErrNoEligibleAgents = errors.New("no eligible agents")
	// ErrTaskTimeout means a task exceeded its deadline while in progress.
	ErrTaskTimeout = errors.New("task timeout")
	// ErrHandlerFailure wraps an error reported by an agent handler.
	ErrHandlerFailure = errors.New("handler failure")
	// ErrShutdown rejects operations after the coordinator shut down.
	ErrShutdown = errors.New("swarm shut down")
	// ErrUnknownTask is returned for lookups of task IDs never submitted.
	ErrUnknownTask = errors.New("unknown task")
	// ErrUnknownAgent is returned for operations on unregistered agents.
	ErrUnknownAgent = errors.New("unknown agent")
)

// kindRoles maps task kinds to the roles allowed to serve them.
var kindRoles = map[string][]models.AgentRole{
	"validate":    {models.RoleValidator, models.RoleRiskAssessor},
	"execute":     {models.RoleExecutor},
	"optimize":    {models.RoleOptimizer},
	"assess_risk": {models.RoleRiskAssessor, models.RoleValidator},
	"coordinate":  {models.RoleCoordinator},
}

// TaskKinds lists the kinds the coordinator accepts.
func TaskKinds() []string {
	out := make([]string, 0, len(kindRoles))
	for k := range kindRoles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type Config struct {
	TaskTimeout        time.Duration
	ConsensusThreshold float64
	RecoveryDelay      time.Duration
	RecoveryEnabled    bool
}

func DefaultConfig() Config {
	return Config{
		TaskTimeout:        30 * time.Second,
		ConsensusThreshold: 0.66,
		RecoveryDelay:      5 * time.Second,
		RecoveryEnabled:    true,
	}
}

// agentState pairs an agent record with its handler and inbound channel.
// The inbox holds at most one task: an agent only receives work while
// active, and assignment flips it to busy first.
type agentState struct {
	agent   models.Agent
	handler Handler
	inbox   chan *models.Task
}

// Coordinator owns the agents map, the task map, and the pending queue.
// One mutex guards all three; handler execution happens outside it.
type Coordinator struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	ids     *clock.IDGenerator
	agents  map[string]*agentState
	tasks   map[string]*models.Task
	done    map[string]chan struct{}
	queue   *TaskQueue
	order   []string // agent registration order, for stable listings

	dispatchCh chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
	shutdown   bool

	completed int64
	failed    int64
}

func NewCoordinator(cfg Config, clk clock.Clock, ids *clock.IDGenerator) *Coordinator {
	def := DefaultConfig()
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.ConsensusThreshold <= 0 || cfg.ConsensusThreshold > 1 {
		cfg.ConsensusThreshold = def.ConsensusThreshold
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = def.RecoveryDelay
	}
	return &Coordinator{
		cfg:        cfg,
		clock:      clk,
		ids:        ids,
		agents:     make(map[string]*agentState),
		tasks:      make(map[string]*models.Task),
		done:       make(map[string]chan struct{}),
		queue:      NewTaskQueue(),
		dispatchCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// RegisterAgent adds an agent to the swarm. Registration after Start is
// allowed; the agent's worker begins immediately.
func (c *Coordinator) RegisterAgent(agent models.Agent, handler Handler) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id required: %w", models.ErrInvalidInput)
	}
	if agent.Weight < 0 {
		return fmt.Errorf("agent %s: negative weight: %w", agent.ID, models.ErrInvalidInput)
	}
	if handler == nil {
		return fmt.Errorf("agent %s: nil handler: %w", agent.ID, models.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return ErrShutdown
	}
	if _, exists := c.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already registered: %w", agent.ID, models.ErrInvalidInput)
	}

	agent.Status = models.AgentActive
	agent.LastActive = c.clock.Now()
	st := &agentState{
		agent:   agent,
		handler: handler,
		inbox:   make(chan *models.Task, 1),
	}
	c.agents[agent.ID] = st
	c.order = append(c.order, agent.ID)

	if c.started {
		c.wg.Add(1)
		go c.runAgent(st)
		c.signalDispatch()
	}

	log.Info().
		Str("agent_id", agent.ID).
		Str("role", string(agent.Role)).
		Float64("weight", agent.Weight).
		Msg("agent registered")
	return nil
}

// Start launches the dispatcher and one worker per registered agent.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return ErrShutdown
	}
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	c.started = true

	c.wg.Add(1)
	go c.dispatcher()
	for _, st := range c.agents {
		c.wg.Add(1)
		go c.runAgent(st)
	}

	log.Info().Int("agents", len(c.agents)).Msg("swarm coordinator started")
	return nil
}

// Submit enqueues a task and returns its pending snapshot. Higher
// priority dispatches sooner; equal priorities dispatch in submission
// order.
func (c *Coordinator) Submit(kind string, payload models.JSONB, priority int, deadline *time.Time) (models.Task, error) {
	if _, ok := kindRoles[kind]; !ok {
		return models.Task{}, fmt.Errorf("unknown task kind %q: %w", kind, models.ErrInvalidInput)
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return models.Task{}, ErrShutdown
	}

	task := &models.Task{
		ID:        c.ids.NewID("task"),
		Kind:      kind,
		Priority:  priority,
		Payload:   payload,
		Status:    models.TaskPending,
		CreatedAt: c.clock.Now(),
		Deadline:  deadline,
	}
	c.tasks[task.ID] = task
	c.done[task.ID] = make(chan struct{})
	c.queue.Push(task)
	snapshot := *task
	c.mu.Unlock()

	c.signalDispatch()

	log.Debug().
		Str("task_id", snapshot.ID).
		Str("kind", kind).
		Int("priority", priority).
		Msg("task submitted")
	return snapshot, nil
}

// Task returns a snapshot of one task.
func (c *Coordinator) Task(id string) (models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("%s: %w", id, ErrUnknownTask)
	}
	return *task, nil
}

// Wait blocks until the task reaches a terminal status or ctx expires.
func (c *Coordinator) Wait(ctx context.Context, id string) (models.Task, error) {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return models.Task{}, fmt.Errorf("%s: %w", id, ErrUnknownTask)
	}
	if isTerminal(task.Status) {
		snapshot := *task
		c.mu.Unlock()
		return snapshot, nil
	}
	done := c.done[id]
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return models.Task{}, fmt.Errorf("waiting for task %s: %w", id, ErrTaskTimeout)
	case <-done:
		return c.Task(id)
	}
}

// Agents returns agent snapshots in registration order.
func (c *Coordinator) Agents() []models.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Agent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id].agent)
	}
	return out
}

// Stats summarizes the swarm's workload.
type Stats struct {
	Completed     int64                      `json:"completed"`
	Failed        int64                      `json:"failed"`
	Pending       int                        `json:"pending"`
	AgentsByState map[models.AgentStatus]int `json:"agents_by_state"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Completed:     c.completed,
		Failed:        c.failed,
		Pending:       c.queue.Len(),
		AgentsByState: make(map[models.AgentStatus]int),
	}
	for _, st := range c.agents {
		s.AgentsByState[st.agent.Status]++
	}
	return s
}

// HandleAgentFailure marks the agent failed, reclaims any non-terminal
// task it held back to the front of the queue, and schedules recovery
// when enabled. Idempotent: failing a failed agent is a no-op.
func (c *Coordinator) HandleAgentFailure(agentID string) error {
	c.mu.Lock()
	st, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", agentID, ErrUnknownAgent)
	}
	if st.agent.Status == models.AgentFailed {
		c.mu.Unlock()
		return nil
	}
	st.agent.Status = models.AgentFailed

	var reclaimed string
	for _, task := range c.tasks {
		if task.AgentID == agentID && !isTerminal(task.Status) {
			task.AgentID = ""
			task.Status = models.TaskPending
			c.queue.PushFront(task)
			reclaimed = task.ID
			break
		}
	}
	recover := c.cfg.RecoveryEnabled && !c.shutdown
	c.mu.Unlock()

	log.Warn().
		Str("agent_id", agentID).
		Str("reclaimed_task", reclaimed).
		Bool("recovery_scheduled", recover).
		Msg("agent failed")

	c.signalDispatch()

	if recover {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			select {
			case <-c.stopCh:
			case <-c.clock.After(c.cfg.RecoveryDelay):
				c.recoverAgent(agentID)
			}
		}()
	}
	return nil
}

func (c *Coordinator) recoverAgent(agentID string) {
	c.mu.Lock()
	st, ok := c.agents[agentID]
	if !ok || c.shutdown || st.agent.Status != models.AgentFailed {
		c.mu.Unlock()
		return
	}
	st.agent.Status = models.AgentActive
	st.agent.LastActive = c.clock.Now()
	c.mu.Unlock()

	log.Info().Str("agent_id", agentID).Msg("agent recovered")
	c.signalDispatch()
}

// Shutdown takes every agent offline, fails everything still pending, and
// waits for in-flight handlers to finish. Safe to call repeatedly.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	for _, st := range c.agents {
		st.agent.Status = models.AgentOffline
	}
	dropped := c.queue.Drain()
	for _, task := range dropped {
		c.failShutdownLocked(task)
	}
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()

	// The dispatcher can deliver to an inbox after that agent's worker
	// already saw stopCh; nothing receives it now, so fail the stragglers
	// to unblock their waiters.
	c.mu.Lock()
	for _, st := range c.agents {
		select {
		case task := <-st.inbox:
			c.failShutdownLocked(task)
		default:
		}
	}
	c.mu.Unlock()

	log.Info().Int("dropped_tasks", len(dropped)).Msg("swarm coordinator shut down")
}

// failShutdownLocked commits a shutdown failure for a task that never
// reached its agent. Caller holds the mutex.
func (c *Coordinator) failShutdownLocked(task *models.Task) {
	if isTerminal(task.Status) {
		return
	}
	task.Status = models.TaskFailed
	task.Error = ErrShutdown.Error()
	c.failed++
	c.closeDoneLocked(task.ID)
}

func (c *Coordinator) signalDispatch() {
	select {
	case c.dispatchCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dispatcher() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.dispatchCh:
			c.dispatchPending()
		}
	}
}

// dispatchPending drains the queue in priority order. Tasks whose
// eligible agents are all busy are held aside and restored to the head in
// order, so one saturated kind does not stall the others.
func (c *Coordinator) dispatchPending() {
	var held []*models.Task
	defer func() {
		if len(held) == 0 {
			return
		}
		c.mu.Lock()
		if c.shutdown {
			for _, task := range held {
				c.failShutdownLocked(task)
			}
		} else {
			for i := len(held) - 1; i >= 0; i-- {
				c.queue.PushFront(held[i])
			}
		}
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return
		}
		task, ok := c.queue.Pop()
		if !ok {
			c.mu.Unlock()
			return
		}

		st, anyUsable := c.pickAgentLocked(task.Kind)
		if st == nil {
			if !anyUsable {
				task.Status = models.TaskFailed
				task.Error = ErrNoEligibleAgents.Error()
				c.failed++
				c.closeDoneLocked(task.ID)
				c.mu.Unlock()
				log.Warn().
					Str("task_id", task.ID).
					Str("kind", task.Kind).
					Msg("no eligible agents, task failed")
				continue
			}
			c.mu.Unlock()
			held = append(held, task)
			continue
		}

		task.Status = models.TaskAssigned
		task.AgentID = st.agent.ID
		st.agent.Status = models.AgentBusy
		c.mu.Unlock()

		// inbox has capacity 1 and the agent was active, so this never
		// blocks.
		st.inbox <- task
	}
}

// pickAgentLocked returns the heaviest active agent whose role serves the
// kind, and whether any non-offline, non-failed candidate exists at all.
// Caller holds the mutex.
func (c *Coordinator) pickAgentLocked(kind string) (*agentState, bool) {
	roles := kindRoles[kind]
	eligible := func(role models.AgentRole) bool {
		for _, r := range roles {
			if r == role {
				return true
			}
		}
		return false
	}

	var best *agentState
	anyUsable := false
	for _, id := range c.order {
		st := c.agents[id]
		if !eligible(st.agent.Role) {
			continue
		}
		switch st.agent.Status {
		case models.AgentActive:
			anyUsable = true
			if best == nil || st.agent.Weight > best.agent.Weight {
				best = st
			}
		case models.AgentBusy:
			anyUsable = true
		}
	}
	return best, anyUsable
}

func (c *Coordinator) runAgent(st *agentState) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			// An assignment may already sit in the inbox; nothing will
			// receive it after this worker exits.
			select {
			case task := <-st.inbox:
				c.mu.Lock()
				c.failShutdownLocked(task)
				c.mu.Unlock()
			default:
			}
			return
		case task := <-st.inbox:
			c.executeTask(st, task)
		}
	}
}

// executeTask runs one handler invocation under the task's effective
// deadline and commits the outcome.
func (c *Coordinator) executeTask(st *agentState, task *models.Task) {
	c.mu.Lock()
	if task.Status != models.TaskAssigned || task.AgentID != st.agent.ID {
		// Reclaimed by failure handling before execution began.
		c.mu.Unlock()
		return
	}
	task.Status = models.TaskInProgress
	now := c.clock.Now()
	c.mu.Unlock()

	timeout := c.cfg.TaskTimeout
	if task.Deadline != nil {
		if remaining := task.Deadline.Sub(now); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		c.finishTask(st.agent.ID, task.ID, nil, ErrTaskTimeout)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type outcome struct {
		result models.JSONB
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		result, err := st.handler.Execute(ctx, task)
		resultCh <- outcome{result, err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			c.finishTask(st.agent.ID, task.ID, nil, fmt.Errorf("%w: %v", ErrHandlerFailure, out.err))
			return
		}
		c.finishTask(st.agent.ID, task.ID, out.result, nil)
	case <-ctx.Done():
		c.finishTask(st.agent.ID, task.ID, nil, ErrTaskTimeout)
	}
}

// finishTask commits a terminal status and releases the agent. Late
// completions for reassigned or already-terminal tasks are dropped.
func (c *Coordinator) finishTask(agentID, taskID string, result models.JSONB, taskErr error) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || isTerminal(task.Status) || task.AgentID != agentID {
		c.mu.Unlock()
		return
	}

	if taskErr != nil {
		task.Status = models.TaskFailed
		task.Error = taskErr.Error()
		c.failed++
	} else {
		task.Status = models.TaskCompleted
		task.Result = result
		c.completed++
	}

	if st, ok := c.agents[agentID]; ok && st.agent.Status == models.AgentBusy {
		st.agent.Status = models.AgentActive
		st.agent.LastActive = c.clock.Now()
	}
	c.closeDoneLocked(taskID)
	status := task.Status
	c.mu.Unlock()

	log.Debug().
		Str("task_id", taskID).
		Str("agent_id", agentID).
		Str("status", string(status)).
		Err(taskErr).
		Msg("task finished")

	c.signalDispatch()
}

// closeDoneLocked releases waiters exactly once. Caller holds the mutex.
func (c *Coordinator) closeDoneLocked(taskID string) {
	if ch, ok := c.done[taskID]; ok {
		close(ch)
		delete(c.done, taskID)
	}
}

func isTerminal(status models.TaskStatus) bool {
	return status == models.TaskCompleted || status == models.TaskFailed
}

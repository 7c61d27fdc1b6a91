package statemanager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"mmbot-engine-go/internal/metrics"
	"mmbot-engine-go/internal/models"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrTooManyWorkers = errors.New("maximum number of workers reached")
	ErrStopped        = errors.New("coordinator stopped")
)

// WorkerFunc is the body of a bot worker. It must return when ctx is cancelled.
type WorkerFunc func(ctx context.Context) error

// CommandType defines the type of a coordinator command
type CommandType int

const (
	StartWorkerCommand CommandType = iota
	StopWorkerCommand
	WorkerExitedCommand
	ListWorkersCommand
)

// Command is a request processed serially by the event loop.
type Command struct {
	Type   CommandType
	Key    string
	Kind   models.StrategyKind
	Run    WorkerFunc
	handle *workerHandle
	reply  chan reply
}

type reply struct {
	err     error
	done    <-chan struct{}
	workers []WorkerInfo
}

// WorkerInfo is a read-only view of a registered worker.
// A stopping worker has been cancelled but has not returned yet.
type WorkerInfo struct {
	Key       string              `json:"key"`
	Kind      models.StrategyKind `json:"kind"`
	StartedAt time.Time           `json:"startedAt"`
	Stopping  bool                `json:"stopping"`
}

type workerHandle struct {
	info   WorkerInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the registry of running bot workers (bot key -> handle).
// All registry mutations are processed serially by a single event loop, so
// no two workers can ever hold the same bot at the same time. A handle stays
// registered until its worker has returned, including after Stop.
type Coordinator struct {
	workers      map[string]*workerHandle
	maxWorkers   int
	eventChannel chan Command
	closed       chan struct{}
	logger       *zap.Logger
}

// NewCoordinator creates a new Coordinator. Run must be called to process commands.
func NewCoordinator(cfg models.CoordinatorConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		workers:      make(map[string]*workerHandle),
		maxWorkers:   cfg.MaxWorkers,
		eventChannel: make(chan Command, 64),
		closed:       make(chan struct{}),
		logger:       logger,
	}
}

// BotKey builds the registry key of a bot.
func BotKey(kind models.StrategyKind, id string) string {
	return string(kind) + "/" + id
}

// Run processes commands until ctx is done, then stops every worker and waits for them.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Sugar().Info("Coordinator started.")
	for {
		select {
		case cmd := <-c.eventChannel:
			c.processCommand(ctx, cmd)
		case <-ctx.Done():
			c.shutdown()
			return nil
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.closed)
	for _, h := range c.workers {
		h.cancel()
	}
	for key, h := range c.workers {
		<-h.done
		delete(c.workers, key)
		metrics.RunningWorkers.WithLabelValues(string(h.info.Kind)).Dec()
	}
	c.logger.Sugar().Info("Coordinator stopped, all workers exited.")
}

// dispatch sends cmd to the event loop and waits for the reply.
func (c *Coordinator) dispatch(cmd Command) reply {
	cmd.reply = make(chan reply, 1)
	select {
	case c.eventChannel <- cmd:
	case <-c.closed:
		return reply{err: ErrStopped}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-c.closed:
		return reply{err: ErrStopped}
	}
}

// Start registers and launches a worker under key.
func (c *Coordinator) Start(key string, kind models.StrategyKind, run WorkerFunc) error {
	return c.dispatch(Command{Type: StartWorkerCommand, Key: key, Kind: kind, Run: run}).err
}

// Stop cancels the worker registered under key and waits until it has returned
// or ctx is done. Stopping an unknown key is not an error. When ctx ends first
// the worker keeps its key, and Start for that key fails until it has returned.
func (c *Coordinator) Stop(ctx context.Context, key string) error {
	r := c.dispatch(Command{Type: StopWorkerCommand, Key: key})
	if r.err != nil || r.done == nil {
		return r.err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker %s: %w", key, ctx.Err())
	}
}

// Workers returns the registered workers ordered by key.
func (c *Coordinator) Workers() []WorkerInfo {
	return c.dispatch(Command{Type: ListWorkersCommand}).workers
}

// IsRunning reports whether a worker is registered under key.
func (c *Coordinator) IsRunning(key string) bool {
	for _, w := range c.Workers() {
		if w.Key == key {
			return true
		}
	}
	return false
}

// processCommand contains the logic to mutate the registry based on a command.
func (c *Coordinator) processCommand(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case StartWorkerCommand:
		cmd.reply <- reply{err: c.startWorker(ctx, cmd)}
	case StopWorkerCommand:
		h, ok := c.workers[cmd.Key]
		if !ok {
			cmd.reply <- reply{}
			return
		}
		if !h.info.Stopping {
			h.info.Stopping = true
			h.cancel()
			c.logger.Sugar().Infof("Worker %s stopping.", cmd.Key)
		}
		cmd.reply <- reply{done: h.done}
	case WorkerExitedCommand:
		if h, ok := c.workers[cmd.Key]; ok && h == cmd.handle {
			c.remove(cmd.Key, h)
		}
	case ListWorkersCommand:
		out := make([]WorkerInfo, 0, len(c.workers))
		for key, h := range c.workers {
			if exited(h) {
				c.remove(key, h)
				continue
			}
			out = append(out, h.info)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		cmd.reply <- reply{workers: out}
	default:
		c.logger.Sugar().Warnf("Received unknown command type: %d", cmd.Type)
	}
}

func (c *Coordinator) startWorker(ctx context.Context, cmd Command) error {
	if h, ok := c.workers[cmd.Key]; ok {
		if !exited(h) {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, cmd.Key)
		}
		// the exit notice is still queued behind this command
		c.remove(cmd.Key, h)
	}
	if c.maxWorkers > 0 && len(c.workers) >= c.maxWorkers {
		return fmt.Errorf("%w (%d)", ErrTooManyWorkers, c.maxWorkers)
	}
	wctx, cancel := context.WithCancel(ctx)
	h := &workerHandle{
		info:   WorkerInfo{Key: cmd.Key, Kind: cmd.Kind, StartedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.workers[cmd.Key] = h
	metrics.RunningWorkers.WithLabelValues(string(cmd.Kind)).Inc()
	go c.runWorker(wctx, h, cmd.Run)
	c.logger.Sugar().Infof("Worker %s started.", cmd.Key)
	return nil
}

func exited(h *workerHandle) bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (c *Coordinator) remove(key string, h *workerHandle) {
	delete(c.workers, key)
	metrics.RunningWorkers.WithLabelValues(string(h.info.Kind)).Dec()
}

// runWorker runs one worker. A panic is contained here so that one bot can
// never take down the process or another user's bot.
func (c *Coordinator) runWorker(ctx context.Context, h *workerHandle, run WorkerFunc) {
	defer func() {
		if r := recover(); r != nil {
			metrics.InvariantViolations.WithLabelValues(string(h.info.Kind)).Inc()
			c.logger.Sugar().Errorf("CRITICAL: worker %s panicked: %v\n%s", h.info.Key, r, debug.Stack())
		}
		h.cancel()
		close(h.done)
		select {
		case c.eventChannel <- Command{Type: WorkerExitedCommand, Key: h.info.Key, handle: h}:
		case <-c.closed:
		}
	}()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Sugar().Errorf("Worker %s exited with error: %v", h.info.Key, err)
		return
	}
	c.logger.Sugar().Infof("Worker %s exited.", h.info.Key)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/ota-client/internal/config"
	"github.com/oshokin/ota-client/internal/domain/ota"
	"github.com/oshokin/ota-client/internal/logger"
	"github.com/oshokin/ota-client/internal/metrics"
	"github.com/oshokin/ota-client/internal/repository/sysroot"
	"github.com/oshokin/ota-client/internal/service/info"
	"github.com/oshokin/ota-client/internal/service/lock"
	"github.com/oshokin/ota-client/internal/service/process"
	"github.com/oshokin/ota-client/internal/service/rollback"
)

const (
	// ScopeInit guards Initialize.
	ScopeInit = lock.ScopeInit
	// ScopeUpdate guards Update and Rollback.
	ScopeUpdate = lock.ScopeUpdate

	// DefaultDebounce delays watcher refreshes until the sysroot settles.
	DefaultDebounce = 2 * time.Second

	loggerName = "orchestrator"
)

var errOperationPanicked = errors.New("operation panicked")

// Option configures a Client.
type Option func(*Client)

// WithRunner replaces the deployment tool runner.
func WithRunner(runner process.Runner) Option {
	return func(c *Client) {
		c.runner = runner
	}
}

// WithRemoteFetcher replaces the server metadata collaborator.
func WithRemoteFetcher(fetcher info.RemoteFetcher) Option {
	return func(c *Client) {
		c.remote = fetcher
	}
}

// WithMetrics records operations and lock waits.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDebounce changes the watcher quiet period.
func WithDebounce(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithLockPollInterval changes how often a held scope is retried.
func WithLockPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.lockPoll = interval
	}
}

// Client owns the sysroot handle and runs one operation at a time.
type Client struct {
	cfg      *config.Config
	runner   process.Runner
	remote   info.RemoteFetcher
	metrics  *metrics.Metrics
	locks    *lock.Manager
	sysroot  *sysroot.Handle
	reader   *info.Reader
	tracker  *rollback.Tracker
	debounce time.Duration
	lockPoll time.Duration

	events chan Event
	// stop is closed by Close to end Watch.
	stop chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	state  State
	active string
	closed bool
}

// New creates a Client for cfg. The configuration is validated and completed with defaults.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	settings := *cfg
	if err := config.Validate(&settings); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      &settings,
		debounce: DefaultDebounce,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.runner == nil {
		c.runner = process.NewExec(settings.OSTreePath, settings.ToolTimeout)
	}

	if c.remote == nil {
		remote, err := newRemoteFetcher(&settings, c.runner)
		if err != nil {
			return nil, err
		}

		c.remote = remote
	}

	c.locks = lock.NewManager(settings.LockDir,
		lock.WithTimeout(settings.LockTimeout),
		lock.WithPollInterval(c.lockPoll),
		lock.WithWaitObserver(c.metrics.ObserveLockWait))
	c.sysroot = sysroot.NewHandle(c.runner, settings.Sysroot)
	c.reader = info.NewReader(c.runner, settings.RepoPath(), settings.MetadataPath, c.remote)

	tracker, err := rollback.NewTracker(c.reader,
		rollback.WithPolicy(settings.RollbackPolicy),
		rollback.WithNotify(c.rollbackChanged))
	if err != nil {
		return nil, err
	}

	c.tracker = tracker
	c.events = make(chan Event, settings.EventBuffer)

	return c, nil
}

// newRemoteFetcher picks the server metadata collaborator configured by server_source.
func newRemoteFetcher(cfg *config.Config, runner process.Runner) (info.RemoteFetcher, error) {
	if cfg.ServerSource != config.SourceHTTP {
		return info.NewOSTreeRemote(runner, cfg.RepoPath(), cfg.Remote, cfg.Ref, cfg.MetadataPath), nil
	}

	remote, err := info.NewHTTPRemote(cfg.ServerURL, cfg.Ref,
		info.WithHealthAddress(cfg.ServerHealthAddress),
		info.WithCallTimeout(cfg.Timeout),
		info.WithRetryWindow(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("create http remote: %w", err)
	}

	return remote, nil
}

// Events returns the event channel. It is closed by Close.
// The channel must be drained: operations block while it is full.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns what the client is doing.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Deployments returns the last loaded deployment list.
func (c *Client) Deployments() []ota.Deployment {
	return c.sysroot.Deployments()
}

// RollbackState returns the last published rollback state.
func (c *Client) RollbackState() ota.RollbackState {
	return c.tracker.State()
}

// Close waits for the running operation, stops Watch and closes the event channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return ota.ErrClosed
	}

	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	c.wg.Wait()
	c.sysroot.Close()
	close(c.events)

	return nil
}

// operation describes one request kind.
type operation struct {
	name  string
	state State
	// scope is the lock scope held while run executes, empty for none.
	scope string
	// run performs the work and returns the successful terminal event.
	run func(ctx context.Context, header Header) (Finished, error)
	// failed builds the terminal event of a failed or rejected request.
	failed func(header Header) Finished
}

// errSkipped is returned by start when skipIfBusy is set and the client is busy.
var errSkipped = errors.New("client busy, request skipped")

// start registers a request and runs op on its own goroutine.
// A request made while another one runs is rejected with ota.ErrBusy events,
// or not made at all when skipIfBusy is set.
func (c *Client) start(op operation, skipIfBusy bool) (string, error) {
	id := uuid.NewString()
	header := Header{RequestID: id}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return "", ota.ErrClosed
	}

	if c.state != Idle {
		if skipIfBusy {
			c.mu.Unlock()

			return "", errSkipped
		}

		busy := c.state

		c.wg.Add(1)
		c.mu.Unlock()

		go c.reject(op, header, busy)

		return id, nil
	}

	c.state = op.state
	c.active = id

	c.wg.Add(1)
	c.mu.Unlock()

	go c.execute(op, header)

	return id, nil
}

// reject reports a request refused because the client was busy.
func (c *Client) reject(op operation, header Header, busy State) {
	defer c.wg.Done()

	ctx := c.requestContext(op, header)
	err := fmt.Errorf("%s while %s: %w", op.name, busy, ota.ErrBusy)

	logger.WarnKV(ctx, "Request rejected", "state", busy.String())

	c.metrics.ObserveOperation(op.name, metrics.ResultRejected, 0)
	c.emit(ErrorOccurred{Header: header, Operation: op.name, Err: err, Message: err.Error()})
	c.emit(op.failed(header))
}

// execute runs op under its lock scope and sends its terminal event.
func (c *Client) execute(op operation, header Header) {
	defer c.wg.Done()

	ctx := c.requestContext(op, header)
	started := time.Now()

	logger.Info(ctx, "Operation started")

	terminal, err := c.protect(ctx, op, header)

	c.mu.Lock()
	c.state = Idle
	c.active = ""
	c.mu.Unlock()

	if err != nil {
		logger.ErrorKV(ctx, "Operation failed", "error", err)

		c.metrics.ObserveOperation(op.name, metrics.ResultFailure, time.Since(started))
		c.emit(ErrorOccurred{Header: header, Operation: op.name, Err: err, Message: describe(err)})
		c.emit(op.failed(header))

		return
	}

	logger.InfoKV(ctx, "Operation finished", "duration", time.Since(started).String())

	c.metrics.ObserveOperation(op.name, metrics.ResultSuccess, time.Since(started))
	c.emit(terminal)
}

// protect runs op, holding its scope when it has one, and turns panics into errors.
// The scope is released when protect returns.
func (c *Client) protect(ctx context.Context, op operation, header Header) (terminal Finished, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			terminal = nil
			err = fmt.Errorf("%w: %v", errOperationPanicked, recovered)
		}
	}()

	if op.scope == "" {
		return op.run(ctx, header)
	}

	err = c.locks.WithLock(ctx, op.scope, func(ctx context.Context) error {
		var runErr error

		terminal, runErr = op.run(ctx, header)

		return runErr
	})

	return terminal, err
}

// requestContext returns the logging context of a request.
func (c *Client) requestContext(op operation, header Header) context.Context {
	ctx := logger.WithName(context.Background(), loggerName)

	return logger.WithFields(ctx, map[string]any{
		"request_id": header.RequestID,
		"operation":  op.name,
	})
}

// emit sends ev on the event channel.
func (c *Client) emit(ev Event) {
	c.events <- ev
}

// status forwards a progress line.
func (c *Client) status(header Header) process.StatusFunc {
	return func(line string) {
		c.emit(StatusChanged{Header: header, Message: line})
	}
}

// rollbackChanged publishes tracker changes tagged with the active request.
func (c *Client) rollbackChanged(state ota.RollbackState) {
	c.mu.Lock()
	id := c.active
	c.mu.Unlock()

	c.emit(RollbackChanged{
		Header:          Header{RequestID: id},
		Revision:        state.Revision,
		Info:            state.Info,
		DeploymentCount: state.DeploymentCount,
	})
}

// describe renders err for ErrorOccurred: the tool output for tool failures.
func describe(err error) string {
	var toolErr *ota.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Error()
	}

	return err.Error()
}

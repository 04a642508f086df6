// coordinator.go: Generate, validate and fall back
//
// A cycle walks Generating -> Generated -> Validating and ends in one of
// Valid, InvalidAtBoot, ProcessFailed or GenerationFailed. Every terminal
// state except Valid applies the default configuration. A single notice is
// delivered NoticeDelay after the cycle ends, at which point the coordinator
// reports Notified.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package verge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"go.opentelemetry.io/otel/attribute"
)

// State is a coordinator cycle state.
type State int32

const (
	StateIdle State = iota
	StateGenerating
	StateGenerated
	StateValidating
	StateValid
	StateInvalidAtBoot
	StateProcessFailed
	StateGenerationFailed
	StateNotified
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGenerating:
		return "generating"
	case StateGenerated:
		return "generated"
	case StateValidating:
		return "validating"
	case StateValid:
		return "valid"
	case StateInvalidAtBoot:
		return "invalid-at-boot"
	case StateProcessFailed:
		return "process-failed"
	case StateGenerationFailed:
		return "generation-failed"
	case StateNotified:
		return "notified"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a cycle.
func (s State) Terminal() bool {
	return s >= StateValid && s <= StateGenerationFailed
}

// ValidationOutcome is the terminal result of a cycle.
type ValidationOutcome struct {
	State   State
	Message string
}

// Reason returns the notice reason tag for the outcome.
func (o ValidationOutcome) Reason() string {
	switch o.State {
	case StateValid:
		return ReasonSuccess
	case StateInvalidAtBoot:
		return ReasonBootInvalidConfig
	case StateProcessFailed:
		return ReasonProcessTerminated
	default:
		return ReasonGenerationError
	}
}

// NeedsFallback reports whether the default configuration must be applied.
func (o ValidationOutcome) NeedsFallback() bool {
	return o.State != StateValid
}

// Result describes one finished cycle.
type Result struct {
	Outcome ValidationOutcome
	// States lists every state entered, in order, up to the terminal one.
	States []State
	Notice Notice
	// Digest identifies the runtime document that was validated, if any.
	Digest string
	// Err is the generation or engine error behind a failed outcome.
	Err error
	// FallbackErr is set when applying the default configuration failed.
	FallbackErr error
	// Notified is closed once the notice has been delivered.
	Notified <-chan struct{}
}

func (r *Result) enter(s State) { r.States = append(r.States, s) }

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMetrics records cycle, generation and pool metrics.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces the wall clock used for the notice delay and Boot.
func WithClock(clock Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// WithAudit records lifecycle events in the audit trail.
func WithAudit(a *AuditLogger) CoordinatorOption {
	return func(c *Coordinator) { c.audit = a }
}

// WithLogger overrides Config.Logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithEnhancerOptions passes extra options to the enhancer.
func WithEnhancerOptions(opts ...EnhancerOption) CoordinatorOption {
	return func(c *Coordinator) { c.enhancerOpts = append(c.enhancerOpts, opts...) }
}

// Coordinator runs generate and validate cycles against an Engine.
type Coordinator struct {
	registry  *Registry
	config    *Config
	store     *ProfileStore
	generator *Generator
	engine    Engine
	notifier  Notifier
	pool      *Pool

	clock        Clock
	audit        *AuditLogger
	metrics      *Metrics
	logger       *slog.Logger
	enhancerOpts []EnhancerOption

	// cycleMu serializes cycles from generation through fallback so that
	// the runtime cell and the Run file follow registry order.
	cycleMu sync.Mutex
	state   atomic.Int32
}

// NewCoordinator wires a coordinator. A nil notifier logs notices.
func NewCoordinator(registry *Registry, cfg *Config, engine Engine, notifier Notifier, opts ...CoordinatorOption) *Coordinator {
	config := cfg.WithDefaults()
	c := &Coordinator{
		registry: registry,
		config:   config,
		engine:   engine,
		notifier: notifier,
		clock:    RealClock(),
		logger:   config.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: c.logger}
	}
	config.Logger = c.logger

	c.store = NewProfileStore(config.ProfilesDir)
	enhancerOpts := append([]EnhancerOption{
		WithEnhancerLogger(c.logger),
		WithEnhancerMetrics(c.metrics),
	}, c.enhancerOpts...)
	enhancer := NewEnhancer(c.store, NewScriptRunner(config.ScriptTimeout), enhancerOpts...)
	c.generator = NewGenerator(registry, config, enhancer, c.audit, c.metrics)
	c.pool = NewPool(config.Workers, config.QueueSize, c.metrics, func(err error) {
		config.handleError(err, "")
	})
	return c
}

// Config returns the effective configuration.
func (c *Coordinator) Config() *Config { return c.config }

// Store returns the profile store.
func (c *Coordinator) Store() *ProfileStore { return c.store }

// Generator returns the runtime generator.
func (c *Coordinator) Generator() *Generator { return c.generator }

// Registry returns the configuration registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// PoolStats reports the worker pool counters.
func (c *Coordinator) PoolStats() PoolStats { return c.pool.Stats() }

// State returns the state of the latest cycle.
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) { c.state.Store(int32(s)) }

// Bootstrap makes sure the Merge and Script items exist, writing their
// template content and persisting the registry when it adds them.
func (c *Coordinator) Bootstrap() error {
	latest := c.registry.Profiles().Latest()
	if _, ok := latest.Value().FindByName(BuiltinMergeName); ok {
		if _, ok := latest.Value().FindByName(BuiltinScriptName); ok {
			return nil
		}
	}

	snap, err := c.registry.Profiles().Update(func(p *Profiles) error {
		created, err := p.EnsureBuiltins()
		if err != nil {
			return err
		}
		for _, b := range created {
			if c.store.HasContent(b.Item) {
				continue
			}
			if err := c.store.WriteContent(b.Item, b.Content); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.audit.LogCommit("profiles", latest.Version(), snap.Version())
	return c.registry.SaveProfiles(c.store)
}

// InitConfig bootstraps the built-in items and runs a cycle. A bootstrap
// error is returned alongside the result; the cycle runs regardless.
func (c *Coordinator) InitConfig(ctx context.Context) (Result, error) {
	bootErr := c.Bootstrap()
	if bootErr != nil {
		c.logger.Error("failed to bootstrap built-in profile items", "error", bootErr)
	}
	return c.runCycle(ctx), bootErr
}

// Apply runs a cycle on the current registry state.
func (c *Coordinator) Apply(ctx context.Context) Result {
	return c.runCycle(ctx)
}

// Start launches the worker pool used by the async variants and Boot.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.pool.Start(ctx)
}

// Stop drains the worker pool. Pending notices are still delivered.
func (c *Coordinator) Stop() error {
	return c.pool.Stop(c.config.InitTimeout)
}

// InitConfigAsync queues InitConfig on the pool. The channel receives one
// result and is then closed.
func (c *Coordinator) InitConfigAsync(ctx context.Context) (<-chan Result, error) {
	return c.submit(ctx, func(ctx context.Context) Result {
		res, err := c.InitConfig(ctx)
		if err != nil {
			c.config.handleError(err, c.store.IndexPath())
		}
		return res
	})
}

// ApplyAsync queues Apply on the pool.
func (c *Coordinator) ApplyAsync(ctx context.Context) (<-chan Result, error) {
	return c.submit(ctx, c.Apply)
}

func (c *Coordinator) submit(ctx context.Context, run func(context.Context) Result) (<-chan Result, error) {
	out := make(chan Result, 1)
	// Work outlives the caller: a Boot timeout must not abort it.
	detached := context.WithoutCancel(ctx)
	err := c.pool.Submit(func(context.Context) error {
		defer close(out)
		out <- run(detached)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Boot runs InitConfig on the pool and waits up to InitTimeout. When the
// wait expires it returns false and the cycle keeps running.
func (c *Coordinator) Boot(ctx context.Context) (Result, bool) {
	ch, err := c.InitConfigAsync(ctx)
	if err != nil {
		c.logger.Error("failed to schedule init config", "error", err)
		return Result{Err: err}, false
	}

	expired := make(chan struct{})
	timer := c.clock.AfterFunc(c.config.InitTimeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, true
	case <-expired:
		c.logger.Warn("init config still running, continuing boot", "timeout", c.config.InitTimeout)
		return Result{}, false
	case <-ctx.Done():
		return Result{}, false
	}
}

func (c *Coordinator) runCycle(ctx context.Context) Result {
	res := c.lockedCycle(ctx)
	res.Notice = Notice{Reason: res.Outcome.Reason(), Message: res.Outcome.Message}
	res.Notified = c.scheduleNotice(res.Notice)
	return res
}

func (c *Coordinator) lockedCycle(ctx context.Context) Result {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx, span := startSpan(ctx, "verge.cycle")
	defer span.End()
	start := time.Now()

	var res Result
	res.Outcome = c.generateAndValidate(ctx, &res)
	res.enter(res.Outcome.State)
	c.setState(res.Outcome.State)

	reason := res.Outcome.Reason()
	span.SetAttributes(
		attribute.String("verge.reason", reason),
		attribute.String("verge.digest", res.Digest),
	)
	if res.Err != nil {
		recordSpanError(span, res.Err)
	}

	if res.Outcome.NeedsFallback() {
		c.fallback(ctx, &res)
	}

	c.metrics.validation(reason, time.Since(start).Seconds())
	c.audit.LogValidation(res.Outcome)
	return res
}

func (c *Coordinator) generateAndValidate(ctx context.Context, res *Result) ValidationOutcome {
	res.enter(StateGenerating)
	c.setState(StateGenerating)

	snap, err := c.generator.Generate(ctx)
	if err != nil {
		c.logger.Error("failed to generate runtime config", "error", err)
		res.Err = err
		return ValidationOutcome{State: StateGenerationFailed}
	}
	res.Digest = snap.Value().Digest
	for _, failure := range snap.Value().Failures() {
		c.logger.Warn("chain item failed", "uid", failure.UID, "name", failure.Name, "message", failure.Message)
	}

	if _, err := c.generator.GenerateFile(RunFile); err != nil {
		c.logger.Error("failed to write runtime config", "error", err)
		res.Err = err
		return ValidationOutcome{State: StateGenerationFailed}
	}
	res.enter(StateGenerated)
	c.setState(StateGenerated)

	if _, err := c.generator.GenerateFile(CheckFile); err != nil {
		c.logger.Error("failed to write check config", "error", err)
		res.Err = err
		return ValidationOutcome{State: StateGenerationFailed}
	}
	res.enter(StateValidating)
	c.setState(StateValidating)

	valid, message, err := c.validate(ctx)
	switch {
	case err != nil:
		c.logger.Warn("engine validation could not run", "error", err)
		res.Err = err
		return ValidationOutcome{State: StateProcessFailed}
	case !valid:
		c.logger.Warn("engine rejected runtime config", "message", message)
		return ValidationOutcome{State: StateInvalidAtBoot, Message: message}
	default:
		c.logger.Info("runtime config validated", "digest", res.Digest)
		return ValidationOutcome{State: StateValid}
	}
}

type validation struct {
	valid   bool
	message string
	err     error
}

// validate bounds the engine call by ValidateTimeout even when the engine
// ignores its context.
func (c *Coordinator) validate(ctx context.Context) (bool, string, error) {
	vctx, cancel := context.WithTimeout(ctx, c.config.ValidateTimeout)
	defer cancel()

	done := make(chan validation, 1)
	go func() {
		valid, message, err := c.engine.ValidateConfig(vctx)
		done <- validation{valid: valid, message: message, err: err}
	}()

	select {
	case v := <-done:
		return v.valid, v.message, v.err
	case <-vctx.Done():
		return false, "", errors.Wrap(vctx.Err(), ErrCodeTimeout, "engine validation did not finish").
			WithContext("timeout", c.config.ValidateTimeout.String())
	}
}

// fallback applies the default configuration. Its failure is recorded but
// never ends the cycle early.
func (c *Coordinator) fallback(ctx context.Context, res *Result) {
	reason := res.Outcome.Reason()
	err := c.engine.ApplyDefaultConfig(context.WithoutCancel(ctx), reason, res.Outcome.Message)
	c.metrics.fallback(reason)
	c.audit.LogFallback(reason, res.Outcome.Message, err)
	if err != nil {
		res.FallbackErr = err
		c.logger.Error("failed to apply default config", "reason", reason, "error", err)
	}
}

func (c *Coordinator) scheduleNotice(n Notice) <-chan struct{} {
	done := make(chan struct{})
	c.clock.AfterFunc(c.config.NoticeDelay, func() {
		c.notifier.Notify(n)
		c.setState(StateNotified)
		close(done)
	})
	return done
}

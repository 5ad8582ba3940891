package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/convoy-run/convoy/pkg/inventory"
	"github.com/convoy-run/convoy/pkg/policy"
	"github.com/convoy-run/convoy/pkg/secrets"
	"github.com/convoy-run/convoy/pkg/stores"
	"github.com/convoy-run/convoy/pkg/tasks"
	"github.com/convoy-run/convoy/pkg/telemetry"
	transport "github.com/convoy-run/convoy/pkg/transports/ssh"
)

// Trigger describes what started a run.
type Trigger struct {
	// Kind is webhook, manual, or watch.
	Kind string

	// Commit and Branch come from the webhook payload when present.
	Commit string
	Branch string
}

// ResolverFactory builds the inventory resolver for a pipeline.
type ResolverFactory func(ctx context.Context, p *Pipeline, bundle *secrets.Bundle) (inventory.Resolver, error)

// TransportFactoryBuilder builds the per-host transport factory for a
// pipeline.
type TransportFactoryBuilder func(p *Pipeline, bundle *secrets.Bundle) tasks.TransportFactory

// Options configures a Runner. Store and Secrets are required; the rest
// default to working implementations.
type Options struct {
	Store   stores.Store
	Secrets *secrets.Loader
	Policy  *policy.Engine
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  *telemetry.Logger

	// ResolverFactory overrides inventory resolver construction.
	ResolverFactory ResolverFactory

	// TransportFactory overrides SSH transport construction.
	TransportFactory TransportFactoryBuilder
}

// Runner executes pipelines: policy lint, secret loading, inventory
// resolution, then task application, recording everything in the store.
type Runner struct {
	store           stores.Store
	secrets         *secrets.Loader
	policy          *policy.Engine
	metrics         *telemetry.Metrics
	tracer          *telemetry.Tracer
	logger          *telemetry.Logger
	resolverFactory ResolverFactory
	buildTransports TransportFactoryBuilder
}

// NewRunner creates a pipeline runner.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Secrets == nil {
		return nil, fmt.Errorf("secrets loader is required")
	}

	r := &Runner{
		store:           opts.Store,
		secrets:         opts.Secrets,
		policy:          opts.Policy,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		logger:          opts.Logger,
		resolverFactory: opts.ResolverFactory,
		buildTransports: opts.TransportFactory,
	}

	if r.metrics == nil {
		m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
		if err != nil {
			return nil, err
		}
		r.metrics = m
	}
	if r.logger == nil {
		l, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "info", Format: "json", Output: "stderr"})
		if err != nil {
			return nil, err
		}
		r.logger = l
	}
	if r.resolverFactory == nil {
		r.resolverFactory = defaultResolverFactory
	}
	if r.buildTransports == nil {
		r.buildTransports = defaultTransportFactory
	}

	return r, nil
}

// Run executes one pipeline. The returned run record reflects the final
// state; the error mirrors run failure for callers that want to exit
// non-zero.
func (r *Runner) Run(ctx context.Context, p *Pipeline, trig Trigger) (*stores.Run, error) {
	if p.Timeout.Std() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout.Std())
		defer cancel()
	}

	now := time.Now()
	run := &stores.Run{
		ID:           uuid.New().String(),
		PipelineName: p.Name,
		Trigger:      trig.Kind,
		Commit:       trig.Commit,
		Branch:       trig.Branch,
		Status:       stores.RunStatusRunning,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	r.metrics.RecordRunStarted(trig.Kind)
	runLog := r.logger.WithRunID(run.ID)
	runLog.Infof("run started for pipeline %s (trigger: %s)", p.Name, trig.Kind)

	if r.tracer != nil {
		var runSpan trace.Span
		ctx, runSpan = r.tracer.StartRunSpan(ctx, run.ID, trig.Kind)
		defer runSpan.End()
	}

	err := r.execute(ctx, run, p, trig)
	duration := time.Since(now)

	switch {
	case err == nil:
		run.Status = stores.RunStatusCompleted
	case errors.Is(err, context.Canceled):
		run.Status = stores.RunStatusCancelled
	default:
		run.Status = stores.RunStatusFailed
	}

	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
		r.appendEvent(ctx, run.ID, stores.EventLevelError, stageOf(err), msg)
	}

	if uerr := r.store.UpdateRunStatus(ctx, run.ID, run.Status, errMsg); uerr != nil {
		runLog.WithError(uerr).Error("failed to finalize run record")
	}
	r.metrics.RecordRunCompleted(string(run.Status), duration)
	runLog.Infof("run %s after %s", run.Status, duration.Round(time.Millisecond))

	return run, err
}

// execute walks the stages in order and stops at the first failure.
func (r *Runner) execute(ctx context.Context, run *stores.Run, p *Pipeline, trig Trigger) error {
	if err := r.stagePolicy(ctx, run, p); err != nil {
		return err
	}

	bundle, err := r.stageCredentials(ctx, run, p)
	if err != nil {
		return err
	}

	hosts, err := r.stageInventory(ctx, run, p, bundle)
	if err != nil {
		return err
	}

	if len(hosts) == 0 {
		r.appendEvent(ctx, run.ID, stores.EventLevelWarning, string(StageInventory),
			"inventory resolved zero hosts; nothing to apply")
		r.logger.WithRunID(run.ID).Warn("inventory resolved zero hosts")
		return nil
	}

	return r.stageApply(ctx, run, p, bundle, hosts)
}

func (r *Runner) stagePolicy(ctx context.Context, run *stores.Run, p *Pipeline) error {
	if r.policy == nil {
		return nil
	}

	start := time.Now()
	ctx, span := r.startStageSpan(ctx, StagePolicy)
	defer endSpan(span)

	result, err := r.policy.Evaluate(ctx, p)
	if err != nil {
		return &StageError{Stage: StagePolicy, Err: err}
	}
	r.metrics.RecordStageDuration(string(StagePolicy), time.Since(start))

	for _, v := range result.Violations {
		level := stores.EventLevelWarning
		if v.Severity == policy.SeverityError {
			level = stores.EventLevelError
		}
		r.appendEvent(ctx, run.ID, level, string(StagePolicy),
			fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}

	if r.policy.Blocks(result) {
		return &StageError{
			Stage: StagePolicy,
			Err:   fmt.Errorf("%d policy violation(s) in enforcing mode", len(result.Errors())),
		}
	}
	return nil
}

func (r *Runner) stageCredentials(ctx context.Context, run *stores.Run, p *Pipeline) (*secrets.Bundle, error) {
	start := time.Now()
	ctx, span := r.startStageSpan(ctx, StageCredentials)
	defer endSpan(span)

	names := map[string]bool{p.SSH.KeySecret: true}
	for _, n := range p.Secrets {
		names[n] = true
	}
	required := make([]string, 0, len(names))
	for n := range names {
		required = append(required, n)
	}

	bundle, err := r.secrets.Load(required)
	if err != nil {
		return nil, &StageError{Stage: StageCredentials, Err: err}
	}
	r.metrics.RecordStageDuration(string(StageCredentials), time.Since(start))

	r.appendEvent(ctx, run.ID, stores.EventLevelInfo, string(StageCredentials),
		fmt.Sprintf("loaded %d secret(s)", len(bundle.Names())))
	return bundle, nil
}

func (r *Runner) stageInventory(ctx context.Context, run *stores.Run, p *Pipeline, bundle *secrets.Bundle) ([]inventory.Host, error) {
	start := time.Now()
	ctx, span := r.startStageSpan(ctx, StageInventory)
	defer endSpan(span)

	filter := inventory.Filter{Region: p.Inventory.Region, Tags: p.Inventory.Tags}
	if p.Inventory.Provider == "static" && filter.Region == "" {
		filter.Region = "static"
	}

	if hosts, ok := r.cachedInventory(ctx, p, filter); ok {
		r.appendEvent(ctx, run.ID, stores.EventLevelInfo, string(StageInventory),
			fmt.Sprintf("reused cached inventory: %d host(s)", len(hosts)))
		return hosts, nil
	}

	resolver, err := r.resolverFactory(ctx, p, bundle)
	if err != nil {
		return nil, &StageError{Stage: StageInventory, Err: err}
	}

	hosts, err := resolver.Resolve(ctx, filter)
	if err != nil {
		return nil, &StageError{Stage: StageInventory, Err: err}
	}

	r.metrics.RecordHostsResolved(resolver.Name(), p.Inventory.Region, len(hosts))
	r.metrics.RecordStageDuration(string(StageInventory), time.Since(start))
	r.appendEvent(ctx, run.ID, stores.EventLevelInfo, string(StageInventory),
		fmt.Sprintf("resolved %d host(s) via %s", len(hosts), resolver.Name()))

	r.cacheInventory(ctx, p, filter, resolver.Name(), hosts)
	return hosts, nil
}

func (r *Runner) stageApply(ctx context.Context, run *stores.Run, p *Pipeline, bundle *secrets.Bundle, hosts []inventory.Host) error {
	start := time.Now()
	ctx, span := r.startStageSpan(ctx, StageApply)
	defer endSpan(span)

	taskList, err := p.BuildTasks()
	if err != nil {
		return &StageError{Stage: StageApply, Err: err}
	}

	runner := tasks.NewRunner(r.buildTransports(p, bundle), p.Forks)
	results, err := runner.Apply(ctx, hosts, taskList)
	if err != nil {
		return &StageError{Stage: StageApply, Err: err}
	}
	r.metrics.RecordStageDuration(string(StageApply), time.Since(start))

	changed, failed := 0, 0
	for i := range results {
		r.recordHostResult(ctx, run.ID, &results[i])

		if results[i].Failed() {
			failed++
		} else if results[i].Changed() {
			changed++
		}
		for _, tr := range results[i].Results {
			outcome := "unchanged"
			if tr.Changed {
				outcome = "changed"
			}
			if tr.Failed() {
				outcome = "failed"
			}
			r.metrics.RecordTask(tr.Type, outcome, tr.Duration)
		}
	}

	if err := r.store.UpdateRunCounts(ctx, run.ID, len(hosts), changed, failed); err != nil {
		r.logger.WithRunID(run.ID).WithError(err).Error("failed to record run counts")
	}
	run.HostsTotal = len(hosts)
	run.HostsChanged = changed
	run.HostsFailed = failed

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if failed > 0 {
		return &StageError{
			Stage: StageApply,
			Err:   fmt.Errorf("%d of %d host(s) failed", failed, len(hosts)),
		}
	}
	return nil
}

// recordHostResult persists one host outcome with its task detail.
func (r *Runner) recordHostResult(ctx context.Context, runID string, hr *tasks.HostResult) {
	status := stores.HostStatusUnchanged
	tasksFailed := 0
	for _, tr := range hr.Results {
		if tr.Failed() {
			tasksFailed++
		}
	}
	switch {
	case hr.Err != nil && len(hr.Results) == 0:
		status = stores.HostStatusUnreachable
	case hr.Failed():
		status = stores.HostStatusFailed
	case hr.Changed():
		status = stores.HostStatusChanged
	}

	detail, err := json.Marshal(hr.Results)
	if err != nil {
		detail = []byte("[]")
	}

	var errMsg *string
	if hr.Err != nil {
		msg := hr.Err.Error()
		errMsg = &msg
	}

	now := time.Now()
	rec := &stores.HostRecord{
		ID:          uuid.New().String(),
		RunID:       runID,
		HostID:      hr.Host.ID,
		Address:     hr.Host.Address,
		Status:      status,
		TasksTotal:  len(hr.Results),
		TasksFailed: tasksFailed,
		Detail:      string(detail),
		Error:       errMsg,
		StartedAt:   now,
		CompletedAt: &now,
		CreatedAt:   now,
	}
	if err := r.store.CreateHostRecord(ctx, rec); err != nil {
		r.logger.WithRunID(runID).WithError(err).Error("failed to record host result")
	}
}

// cachedInventory returns a fresh-enough cached inventory, if any.
func (r *Runner) cachedInventory(ctx context.Context, p *Pipeline, filter inventory.Filter) ([]inventory.Host, bool) {
	if p.Inventory.CacheTTL.Std() <= 0 {
		return nil, false
	}

	entry, err := r.store.GetInventory(ctx, filter.String(), p.Inventory.CacheTTL.Std())
	if err != nil || entry == nil {
		return nil, false
	}

	var hosts []inventory.Host
	if err := json.Unmarshal([]byte(entry.Hosts), &hosts); err != nil {
		return nil, false
	}
	return hosts, true
}

func (r *Runner) cacheInventory(ctx context.Context, p *Pipeline, filter inventory.Filter, provider string, hosts []inventory.Host) {
	if p.Inventory.CacheTTL.Std() <= 0 {
		return
	}

	data, err := json.Marshal(hosts)
	if err != nil {
		return
	}
	entry := &stores.InventoryEntry{
		FilterKey:  filter.String(),
		Provider:   provider,
		Hosts:      string(data),
		HostCount:  len(hosts),
		ResolvedAt: time.Now(),
	}
	if err := r.store.UpsertInventory(ctx, entry); err != nil {
		r.logger.WithError(err).Warn("failed to cache inventory")
	}
}

// appendEvent writes a run event, logging instead of failing on error.
func (r *Runner) appendEvent(ctx context.Context, runID string, level stores.EventLevel, stage, message string) {
	event := &stores.Event{
		RunID:     &runID,
		Level:     level,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		r.logger.WithRunID(runID).WithError(err).Warn("failed to append event")
	}
}

// startStageSpan opens a stage span when tracing is configured.
func (r *Runner) startStageSpan(ctx context.Context, stage Stage) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, nil
	}
	return r.tracer.StartStageSpan(ctx, string(stage))
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func stageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return string(se.Stage)
	}
	return ""
}

// defaultResolverFactory builds the resolver named by the pipeline.
func defaultResolverFactory(ctx context.Context, p *Pipeline, bundle *secrets.Bundle) (inventory.Resolver, error) {
	switch p.Inventory.Provider {
	case "ec2":
		return inventory.NewEC2Resolver(ctx, p.Inventory.Region, bundle, p.Inventory.PreferPrivate)
	case "static":
		hosts := make([]inventory.Host, 0, len(p.Inventory.Hosts))
		for _, h := range p.Inventory.Hosts {
			hosts = append(hosts, inventory.Host{
				Name:    h.Name,
				Address: h.Address,
				Tags:    h.Tags,
			})
		}
		return inventory.NewStaticResolver(hosts), nil
	}
	return nil, fmt.Errorf("unknown inventory provider: %s", p.Inventory.Provider)
}

// defaultTransportFactory builds SSH clients with the key material from
// the secret bundle.
func defaultTransportFactory(p *Pipeline, bundle *secrets.Bundle) tasks.TransportFactory {
	return func(host inventory.Host) (transport.Transport, error) {
		cfg := transport.DefaultConfig(host.Address, p.SSH.User, []byte(bundle.Value(p.SSH.KeySecret)))
		cfg.Port = p.SSH.Port
		cfg.StrictHostKeyChecking = p.SSH.StrictHostKeyChecking
		cfg.KnownHostsPath = p.SSH.KnownHosts
		return transport.NewClient(cfg)
	}
}

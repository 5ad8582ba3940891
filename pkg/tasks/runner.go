package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/convoy-run/convoy/pkg/inventory"
	transport "github.com/convoy-run/convoy/pkg/transports/ssh"
)

// DefaultForks is the default number of hosts applied in parallel.
const DefaultForks = 5

// TransportFactory builds a transport for one resolved host.
type TransportFactory func(host inventory.Host) (transport.Transport, error)

// HostResult collects the outcome of applying a play to one host.
type HostResult struct {
	// Host is the resolved host this result belongs to.
	Host inventory.Host `json:"host"`

	// Results are the per-task outcomes, in play order. A host that
	// failed mid-play has results only for the tasks that ran.
	Results []*Result `json:"results"`

	// Err is a host-level failure (connection, transport setup). Task
	// failures are recorded on the individual Result instead.
	Err error `json:"-"`
}

// Failed reports whether the host failed at any point.
func (h *HostResult) Failed() bool {
	if h.Err != nil {
		return true
	}
	for _, r := range h.Results {
		if r.Failed() {
			return true
		}
	}
	return false
}

// Changed reports whether any task modified the host.
func (h *HostResult) Changed() bool {
	for _, r := range h.Results {
		if r.Changed {
			return true
		}
	}
	return false
}

// Runner applies a play across hosts. Hosts run in parallel up to the
// forks limit; tasks on one host run sequentially. A failing host stops
// its own remaining tasks but never affects other hosts.
type Runner struct {
	factory TransportFactory
	forks   int
}

// NewRunner creates a runner. forks <= 0 selects DefaultForks.
func NewRunner(factory TransportFactory, forks int) *Runner {
	if forks <= 0 {
		forks = DefaultForks
	}
	return &Runner{factory: factory, forks: forks}
}

// Apply runs every task against every host. The returned slice is in
// host order regardless of completion order. Apply itself only fails on
// invalid tasks; host and task failures are reported in the results.
func (r *Runner) Apply(ctx context.Context, hosts []inventory.Host, taskList []Task) ([]HostResult, error) {
	for _, task := range taskList {
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("task %q: %w", task.Name(), err)
		}
	}

	results := make([]HostResult, len(hosts))
	sem := make(chan struct{}, r.forks)
	var wg sync.WaitGroup

	for i, host := range hosts {
		wg.Add(1)
		go func(i int, host inventory.Host) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = HostResult{Host: host, Err: ctx.Err()}
				return
			}

			results[i] = r.applyHost(ctx, host, taskList)
		}(i, host)
	}

	wg.Wait()
	return results, nil
}

// applyHost runs the task list sequentially on one host.
func (r *Runner) applyHost(ctx context.Context, host inventory.Host, taskList []Task) HostResult {
	hostLog := log.With().Str("host", host.Address).Str("host_id", host.ID).Logger()
	result := HostResult{Host: host}

	tr, err := r.factory(host)
	if err != nil {
		result.Err = fmt.Errorf("build transport: %w", err)
		return result
	}

	if err := tr.Connect(ctx); err != nil {
		hostLog.Error().Err(err).Msg("connection failed")
		result.Err = fmt.Errorf("connect: %w", err)
		return result
	}
	defer tr.Close()

	for _, task := range taskList {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}

		taskResult, err := task.Apply(ctx, tr)
		if err != nil {
			result.Err = fmt.Errorf("task %q: %w", task.Name(), err)
			return result
		}
		result.Results = append(result.Results, taskResult)

		if taskResult.Failed() {
			hostLog.Error().
				Str("task", task.Name()).
				Str("error", taskResult.Error).
				Msg("task failed, skipping remaining tasks on host")
			return result
		}

		hostLog.Debug().
			Str("task", task.Name()).
			Bool("changed", taskResult.Changed).
			Str("action", taskResult.Action).
			Msg("task applied")
	}

	return result
}

package commands

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoy-run/convoy/pkg/pipeline"
	"github.com/convoy-run/convoy/pkg/telemetry"
	"github.com/convoy-run/convoy/pkg/trigger"
	"github.com/convoy-run/convoy/pkg/web"
)

func newWatchCommand() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the deployment daemon",
		Long: `Run the deployment daemon: serve the status page, expose metrics,
and dispatch pipeline runs on incoming push webhooks.

This command:
  - Serves the status page at / and liveness at /healthz
  - Exposes Prometheus metrics at /metrics
  - Accepts signed push webhooks at /hooks/push
  - Runs at most one pipeline at a time; overlapping deliveries get 409
  - Reloads the pipeline file on edit and redeploys`,
		Example: `  # Watch on the default port
  convoy watch

  # Watch on a custom port
  convoy watch --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := loadPipeline()
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Path: "/metrics"})
			if err != nil {
				return err
			}

			runner, err := newRunner(store, metrics)
			if err != nil {
				return err
			}

			// The watcher swaps the pipeline under this mutex; the
			// dispatcher reads it at run start.
			var mu sync.Mutex
			current := p
			dispatcher := trigger.NewDispatcher(func(runCtx context.Context, req trigger.RunRequest) error {
				mu.Lock()
				pl := current
				mu.Unlock()
				_, err := runner.Run(runCtx, pl, pipeline.Trigger{
					Kind:   req.Kind,
					Commit: req.Commit,
					Branch: req.Branch,
				})
				return err
			})

			var hook http.Handler
			if p.Trigger.Webhook {
				bundle, err := newSecretsLoader().Load([]string{p.Trigger.Secret})
				if err != nil {
					return fmt.Errorf("failed to load webhook secret: %w", err)
				}
				hook, err = trigger.NewWebhookHandler(
					[]byte(bundle.Value(p.Trigger.Secret)),
					p.Trigger.Branch,
					dispatcher.Dispatch,
					metrics,
				)
				if err != nil {
					return err
				}
			}

			srv, err := web.NewServer(web.Options{
				Addr:    listenAddr,
				Webhook: hook,
				Metrics: metrics,
				Healthz: store.HealthCheck,
			})
			if err != nil {
				return err
			}

			w, err := trigger.NewWatcher(pipelineFile, func() error {
				reloaded, err := pipeline.Load(pipelineFile)
				if err != nil {
					return err
				}
				mu.Lock()
				current = reloaded
				mu.Unlock()
				log.Info().Str("pipeline", reloaded.Name).Msg("Pipeline reloaded")
				return nil
			}, dispatcher.Dispatch)
			if err != nil {
				return err
			}
			go func() {
				if err := w.Watch(ctx); err != nil {
					log.Error().Err(err).Msg("Pipeline watcher stopped")
				}
			}()

			log.Info().
				Str("pipeline", p.Name).
				Str("listen", listenAddr).
				Bool("webhook", p.Trigger.Webhook).
				Msg("Convoy daemon starting")

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")

	return cmd
}

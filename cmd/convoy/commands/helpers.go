package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/convoy-run/convoy/pkg/pipeline"
	"github.com/convoy-run/convoy/pkg/policy"
	"github.com/convoy-run/convoy/pkg/secrets"
	"github.com/convoy-run/convoy/pkg/stores"
	"github.com/convoy-run/convoy/pkg/telemetry"
)

// openStore opens and migrates the run history database.
func openStore(ctx context.Context) (stores.Store, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// newSecretsLoader builds the secret source chain: environment first,
// then the optional YAML secrets file.
func newSecretsLoader() *secrets.Loader {
	sources := []secrets.Source{secrets.NewEnvSource()}
	if secretsFile != "" {
		sources = append(sources, secrets.NewFileSource(secretsFile))
	}
	return secrets.NewLoader(sources...)
}

// newPolicyEngine builds the lint engine from the --policy-mode flag.
func newPolicyEngine() (*policy.Engine, error) {
	return policy.NewEngine(policy.Mode(policyMode), log.Logger)
}

// newRunner wires a pipeline runner with the standard store, secrets,
// and policy stack.
func newRunner(store stores.Store, metrics *telemetry.Metrics) (*pipeline.Runner, error) {
	engine, err := newPolicyEngine()
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(pipeline.Options{
		Store:   store,
		Secrets: newSecretsLoader(),
		Policy:  engine,
		Metrics: metrics,
	})
}

// loadPipeline reads and validates the pipeline named by --file.
func loadPipeline() (*pipeline.Pipeline, error) {
	p, err := pipeline.Load(pipelineFile)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("pipeline", p.Name).Str("file", pipelineFile).Msg("Pipeline loaded")
	return p, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/tanpawarit/chative-voice-orchestrator/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/chative-voice-orchestrator/agent/contract"
	"github.com/tanpawarit/chative-voice-orchestrator/agent/gateway"
	"github.com/tanpawarit/chative-voice-orchestrator/agent/llm"
	promptx "github.com/tanpawarit/chative-voice-orchestrator/agent/prompt"
	statex "github.com/tanpawarit/chative-voice-orchestrator/agent/state"
	toolx "github.com/tanpawarit/chative-voice-orchestrator/agent/tool"
	configx "github.com/tanpawarit/chative-voice-orchestrator/pkg/config"
	_ "github.com/tanpawarit/chative-voice-orchestrator/pkg/logger/autoload"
	qstashx "github.com/tanpawarit/chative-voice-orchestrator/pkg/qstash"
	"github.com/tanpawarit/chative-voice-orchestrator/pkg/server"
	"github.com/tanpawarit/chative-voice-orchestrator/pkg/telemetry"
	vapix "github.com/tanpawarit/chative-voice-orchestrator/pkg/vapi"
)

type StoreConfig struct {
	Backend string `envconfig:"BACKEND" default:"memory"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("orchestrator stopped")
	}
}

func run(ctx context.Context) error {
	logger := log.Logger

	shutdownTracer, err := telemetry.InitTracer(*configx.MustNew[telemetry.Config]("OTEL"), logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	store, closeStore, err := newStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	evictor := statex.NewEvictor(store, *configx.MustNew[statex.EvictorConfig]("STORE"), logger)
	go evictor.Run(ctx)

	toolsCfg := configx.MustNew[toolx.Config]("TOOLS")
	registry, err := toolx.LoadRegistry(toolsCfg.RegistryFile)
	if err != nil {
		return err
	}
	client, err := toolx.NewClient(registry, *toolsCfg, toolx.WithLogger(logger))
	if err != nil {
		return err
	}
	executor := toolx.NewExecutor(registry, client)

	prompts := promptx.LoadPromptSet()
	decider, err := llm.NewDecider(ctx, *configx.MustNew[llm.Config]("OPENROUTER"), prompts.VoiceAgent, executor.Catalog())
	if err != nil {
		return fmt.Errorf("init decider: %w", err)
	}

	engine, err := orchestrator.New(
		store,
		decider,
		executor,
		executor,
		newWorkflow(registry, executor),
		logger,
		*configx.MustNew[orchestrator.Config]("ENGINE"),
	)
	if err != nil {
		return err
	}
	defer engine.Wait()

	vapiCfg := configx.MustNew[vapix.Config]("VAPI")
	var calls gateway.CallPlacer
	if strings.TrimSpace(vapiCfg.APIKey) != "" {
		calls = vapix.MustNew(*vapiCfg)
	} else {
		logger.Warn().Msg("VAPI_API_KEY not set; outbound calls disabled")
	}
	handler, err := gateway.New(engine, calls, *vapiCfg, logger)
	if err != nil {
		return err
	}

	srv := server.New(*configx.MustNew[server.Config]("SERVER"), logger)
	handler.Routes(srv.Router)

	return srv.Run(ctx)
}

func newStore(ctx context.Context) (statex.Store, func(), error) {
	cfg := configx.MustNew[StoreConfig]("STORE")
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return statex.NewMemoryStore(), func() {}, nil
	case "upstash":
		s, err := statex.NewUpstashRedisStore(*configx.MustNew[statex.UpstashRedisConfig]("UPSTASH_REDIS"))
		if err != nil {
			return nil, nil, fmt.Errorf("init upstash store: %w", err)
		}
		return s, func() {}, nil
	case "postgres":
		s, err := statex.NewPostgresStore(ctx, *configx.MustNew[statex.PostgresConfig]("POSTGRES"))
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("close postgres store")
			}
		}, nil
	default:
		return nil, nil, errors.New("unknown STORE_BACKEND " + cfg.Backend)
	}
}

// newWorkflow queues post-call outcomes through QStash when it is configured and
// falls back to calling the workflow tool directly.
func newWorkflow(registry *toolx.Registry, executor *toolx.Executor) contractx.WorkflowTrigger {
	qstashCfg := configx.MustNew[qstashx.Config]("QSTASH")
	if !qstashCfg.Enabled() {
		return toolx.NewDirectPostCall(executor)
	}
	return toolx.NewQueuedPostCall(qstashx.MustNew(*qstashCfg), registry)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/config"
	"github.com/memohai/knowbot/internal/dedupe"
	"github.com/memohai/knowbot/internal/dingtalk"
	"github.com/memohai/knowbot/internal/drive"
	"github.com/memohai/knowbot/internal/handlers"
	"github.com/memohai/knowbot/internal/healthcheck"
	dedupechecker "github.com/memohai/knowbot/internal/healthcheck/checkers/dedupe"
	streamchecker "github.com/memohai/knowbot/internal/healthcheck/checkers/stream"
	upstreamchecker "github.com/memohai/knowbot/internal/healthcheck/checkers/upstream"
	"github.com/memohai/knowbot/internal/identity"
	"github.com/memohai/knowbot/internal/knowledge"
	"github.com/memohai/knowbot/internal/logger"
	"github.com/memohai/knowbot/internal/media"
	"github.com/memohai/knowbot/internal/media/providers/localfs"
	"github.com/memohai/knowbot/internal/orchestrator"
	"github.com/memohai/knowbot/internal/retry"
	"github.com/memohai/knowbot/internal/server"
	"github.com/memohai/knowbot/internal/stream"
	"github.com/memohai/knowbot/internal/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the callback server (and the stream listener when enabled)",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			serveOptions(configPath),
			fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
				return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
			}),
		)
		app.Run()
		return app.Err()
	},
}

func serveOptions(path string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (config.Config, error) { return provideConfig(path) },
			provideLogger,
			provideDingTalkClient,
			provideCodec,
			provideFallbackStore,
			provideDedupe,
			provideIdentity,
			provideSpaceLocator,
			provideUploadPipeline,
			provideRegistrar,
			provideOrchestrator,
			provideStreamClient,
			provideServerHandler(provideCallbackHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(handlers.NewUploadsHandler),
			provideServer,
		),
		fx.Invoke(
			startServer,
			startStream,
		),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDingTalkClient(log *slog.Logger, cfg config.Config) (*dingtalk.Client, error) {
	return dingtalk.NewClient(log, dingtalk.Config{
		AppKey:      cfg.DingTalk.AppKey,
		AppSecret:   cfg.DingTalk.AppSecret,
		AgentID:     cfg.DingTalk.AgentID,
		APIBaseURL:  cfg.DingTalk.APIBaseURL,
		OAPIBaseURL: cfg.DingTalk.OAPIBaseURL,
		QPS:         cfg.DingTalk.QPS,
		Burst:       cfg.DingTalk.Burst,
		CallTimeout: cfg.Pipeline.CallTimeout,
	}, nil)
}

// provideCodec returns nil when only stream mode is configured.
func provideCodec(cfg config.Config) (*callback.Codec, error) {
	if !cfg.DingTalk.CallbackEnabled() {
		return nil, nil
	}
	return callback.NewCodec(cfg.DingTalk.CallbackToken, cfg.DingTalk.AESKey, cfg.DingTalk.OwnerKey())
}

// provideFallbackStore returns nil unless a public base URL is configured.
func provideFallbackStore(cfg config.Config) (*localfs.Store, error) {
	if cfg.Storage.PublicBaseURL == "" {
		return nil, nil
	}
	return localfs.New(cfg.Storage.UploadsDir, cfg.Storage.PublicBaseURL)
}

type dedupeBackend struct {
	store dedupe.Store
	redis *dedupe.RedisStore
}

func provideDedupe(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) dedupeBackend {
	if cfg.Redis.Addr == "" {
		return dedupeBackend{store: dedupe.NewMemoryStore()}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	log.Info("using redis idempotency store", slog.String("addr", cfg.Redis.Addr))
	store := dedupe.NewRedisStore(client, cfg.Redis.Prefix)
	return dedupeBackend{store: store, redis: store}
}

func provideIdentity(log *slog.Logger, client *dingtalk.Client) *identity.Resolver {
	return identity.NewResolver(log, client)
}

func provideSpaceLocator(log *slog.Logger, cfg config.Config, client *dingtalk.Client) *drive.Locator {
	return drive.NewLocator(log, drive.NewMemoryCache(), client, drive.LocatorConfig{
		FixedSpaceID: cfg.DingTalk.DriveSpaceID,
		SpaceName:    cfg.DingTalk.SpaceName,
	})
}

func provideUploadPipeline(log *slog.Logger, cfg config.Config, client *dingtalk.Client, store *localfs.Store) *upload.Pipeline {
	var fallback media.StorageProvider
	if store != nil {
		fallback = store
	}
	return upload.NewPipeline(log, client, fallback, upload.Config{MaxFileBytes: cfg.Pipeline.MaxFileBytes})
}

func provideRegistrar(log *slog.Logger, cfg config.Config, client *dingtalk.Client) *knowledge.Registrar {
	return knowledge.NewRegistrar(log, client, cfg.DingTalk.AssistantID)
}

type orchestratorParams struct {
	fx.In

	Logger    *slog.Logger
	Config    config.Config
	Client    *dingtalk.Client
	Codec     *callback.Codec
	Identity  *identity.Resolver
	Spaces    *drive.Locator
	Uploader  *upload.Pipeline
	Registrar *knowledge.Registrar
	Dedupe    dedupeBackend
}

func provideOrchestrator(p orchestratorParams) *orchestrator.Orchestrator {
	deps := orchestrator.Deps{
		Identity:  p.Identity,
		Spaces:    p.Spaces,
		Uploader:  p.Uploader,
		Registrar: p.Registrar,
		Dedupe:    p.Dedupe.store,
		Notifier:  p.Client,
	}
	if p.Codec != nil {
		deps.Codec = p.Codec
	}
	return orchestrator.New(p.Logger, deps, orchestrator.Config{
		MaxConcurrency:  p.Config.Pipeline.MaxConcurrency,
		CallTimeout:     p.Config.Pipeline.CallTimeout,
		PipelineTimeout: p.Config.Pipeline.PipelineTimeout,
		ResponseTimeout: p.Config.Pipeline.ResponseTimeout,
		DedupeTTL:       p.Config.Pipeline.DedupeTTL,
		Policies:        retryPolicies(p.Config.Pipeline.Retry),
	})
}

func retryPolicies(cfg config.RetryConfig) orchestrator.Policies {
	policy := func(name string, r config.StepRetry) retry.Policy {
		return retry.Policy{
			Name:           name,
			MaxAttempts:    r.MaxAttempts,
			InitialBackoff: r.InitialBackoff,
			MaxBackoff:     r.MaxBackoff,
			Multiplier:     r.Multiplier,
		}
	}
	return orchestrator.Policies{
		Identity: policy("identity", cfg.Identity),
		Space:    policy("space", cfg.Space),
		Download: policy("download", cfg.Download),
		Upload:   policy("upload", cfg.Upload),
		Preview:  policy("preview", cfg.Preview),
		Register: policy("register", cfg.Register),
	}
}

// provideStreamClient returns nil when stream mode is disabled.
func provideStreamClient(log *slog.Logger, cfg config.Config, client *dingtalk.Client, orch *orchestrator.Orchestrator) *stream.Client {
	if !cfg.Stream.Enabled {
		return nil
	}
	return stream.NewClient(log, client, func(ctx context.Context, event callback.FileEvent) {
		out := orch.Process(ctx, event)
		if out.State == orchestrator.StateFailed {
			log.Warn("stream message failed",
				slog.String("message_id", event.MessageID),
				slog.String("failure", out.Failure.String()),
				slog.Any("error", out.Err))
		}
	}, stream.Config{
		ReconnectMin: cfg.Stream.ReconnectMin,
		ReconnectMax: cfg.Stream.ReconnectMax,
		IdleTimeout:  cfg.Stream.IdleTimeout,
		Notifier:     client,
	})
}

func provideCallbackHandler(log *slog.Logger, codec *callback.Codec, orch *orchestrator.Orchestrator) *handlers.CallbackHandler {
	if codec == nil {
		return handlers.NewCallbackHandler(log, nil)
	}
	return handlers.NewCallbackHandler(log, orch)
}

func provideHealthHandler(log *slog.Logger, client *dingtalk.Client, streamClient *stream.Client, backend dedupeBackend) *handlers.HealthHandler {
	checkers := []healthcheck.Checker{upstreamchecker.NewChecker(log, client)}
	if streamClient != nil {
		checkers = append(checkers, streamchecker.NewChecker(streamClient))
	}
	if backend.redis != nil {
		checkers = append(checkers, dedupechecker.NewChecker(log, backend.redis))
	}
	return handlers.NewHealthHandler(log, checkers...)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, server.Options{
		Addr:      params.Config.Server.Addr(),
		BodyLimit: params.Config.Server.BodyLimit,
	}, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, cfg config.Config, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("knowbot listening",
				slog.String("addr", cfg.Server.Addr()),
				slog.Bool("callback", cfg.DingTalk.CallbackEnabled()),
				slog.Bool("stream", cfg.Stream.Enabled))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func startStream(lc fx.Lifecycle, client *stream.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				_ = client.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

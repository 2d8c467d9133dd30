package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/BlackBearCC/mbti-gateway/internal/auth"
	"github.com/BlackBearCC/mbti-gateway/internal/bus"
	"github.com/BlackBearCC/mbti-gateway/internal/config"
	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/provider"
	"github.com/BlackBearCC/mbti-gateway/internal/ratelimit"
	"github.com/BlackBearCC/mbti-gateway/internal/room"
	"github.com/BlackBearCC/mbti-gateway/internal/server"
	"github.com/BlackBearCC/mbti-gateway/internal/session"
	"github.com/BlackBearCC/mbti-gateway/internal/ws"
)

var serveEnvFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the gateway: REST chat endpoints, SSE streaming and the
WebSocket envelope protocol on one listener.

Configuration comes from the environment; --env-file loads a dotenv file
first without overriding variables already set.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "dotenv file to load (missing file is ignored)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(serveEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.Debug {
		level = logging.DebugLevel
	}
	logging.Init(logging.Config{Level: level, Pretty: cfg.LogPretty})

	logging.Info().Str("version", Version).Str("addr", cfg.Addr()).Msg("starting gateway")

	// A configured redis address turns on the shared rate-limit store and the
	// cross-instance room bus. Without it both degrade to in-process scope.
	var (
		redisClient  redis.UniversalClient
		primaryStore ratelimit.Store
		eventBus     bus.Bus
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		primaryStore = ratelimit.NewRedisStore(redisClient)
		eventBus = bus.NewRedisBus(redisClient)
		logging.Info().Str("addr", cfg.RedisAddr).Msg("redis connected for rate limiting and room broadcast")
	} else {
		eventBus = bus.NewGoChannelBus()
		logging.Warn().Msg("REDIS_ADDR not set, rate limits and rooms are instance-local")
	}
	defer eventBus.Close()

	limiter := ratelimit.New(ratelimit.Options{
		Enabled:      cfg.RateLimitEnabled,
		Quota:        cfg.RateLimitRequests,
		Window:       cfg.RateLimitWindow,
		StoreTimeout: cfg.RateLimitStoreTimeout,
		Primary:      primaryStore,
	})

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	gateway := provider.NewGateway(registry, cfg.ResponseTimeout, cfg.StreamTimeout, cfg.MaxOutputTokens)

	verifier := auth.NewVerifier(cfg.TokenList())
	if len(cfg.TokenList()) == 0 {
		logging.Warn().Msg("API_TOKENS not set, development token is active")
	}

	rooms := room.NewBroadcaster(eventBus)
	defer rooms.Close()

	supervisor := session.NewSupervisor(cfg.IdleTimeout)
	supervisor.Start()
	defer supervisor.Stop()

	hub := ws.NewHub(ws.Options{
		Verifier:          verifier,
		Limiter:           limiter,
		Gateway:           gateway,
		Rooms:             rooms,
		Supervisor:        supervisor,
		StreamEnabled:     cfg.StreamEnabled,
		AuthFailureLimit:  cfg.AuthFailureLimit,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OriginPatterns:    cfg.CORSOrigins,
	})

	srv := server.New(cfg, verifier, limiter, gateway, hub)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.Addr()).Msg("listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("gateway stopped")
	return nil
}

// buildRegistry registers every provider the environment has credentials
// for and loads the alias map. A process with no providers still starts;
// every chat call then fails with an alias resolution error.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	aliases, err := cfg.Aliases()
	if err != nil {
		return nil, err
	}
	overrides, err := cfg.Overrides()
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry(aliases, cfg.DefaultModelAlias, cfg.DefaultProvider)

	openaiKey, openaiBase, openaiModel := cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel
	if ov, ok := overrides["openai"]; ok {
		if ov.APIKey != "" {
			openaiKey = ov.APIKey
		}
		if ov.BaseURL != "" {
			openaiBase = ov.BaseURL
		}
		if ov.Model != "" {
			openaiModel = ov.Model
		}
	}
	if openaiKey != "" {
		p, err := provider.NewOpenAIProvider(&provider.OpenAIConfig{
			APIKey:  openaiKey,
			BaseURL: openaiBase,
			Model:   openaiModel,
			Timeout: cfg.ResponseTimeout,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		logging.Info().Str("provider", p.ID()).Msg("provider registered")
	}

	doubaoKey, doubaoBase, doubaoModel := cfg.DoubaoAPIKey, cfg.DoubaoBaseURL, cfg.DoubaoModel
	if ov, ok := overrides["doubao"]; ok {
		if ov.APIKey != "" {
			doubaoKey = ov.APIKey
		}
		if ov.BaseURL != "" {
			doubaoBase = ov.BaseURL
		}
		if ov.Model != "" {
			doubaoModel = ov.Model
		}
	}
	if doubaoKey != "" {
		p, err := provider.NewDoubaoProvider(&provider.DoubaoConfig{
			APIKey:  doubaoKey,
			BaseURL: doubaoBase,
			Model:   doubaoModel,
			Timeout: cfg.ResponseTimeout,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(p)
		logging.Info().Str("provider", p.ID()).Msg("provider registered")
	}

	if len(registry.List()) == 0 {
		logging.Warn().Msg("no provider credentials configured, chat calls will fail")
	}
	return registry, nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/npezzotti/go-geochat/internal/api"
	"github.com/npezzotti/go-geochat/internal/auth"
	"github.com/npezzotti/go-geochat/internal/config"
	"github.com/npezzotti/go-geochat/internal/fanout"
	"github.com/npezzotti/go-geochat/internal/geo"
	"github.com/npezzotti/go-geochat/internal/logging"
	"github.com/npezzotti/go-geochat/internal/ratelimit"
	"github.com/npezzotti/go-geochat/internal/server"
	"github.com/npezzotti/go-geochat/internal/stats"
	"github.com/npezzotti/go-geochat/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config")
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeOpts := store.Options{
		HistoryLimit: cfg.MessageHistoryLimit,
		Retention:    cfg.RoomRetention,
		StateTTL:     cfg.StateTTL,
		KeyPrefix:    cfg.KeyPrefix,
	}

	var live atomic.Pointer[server.ChatServer]
	deliver := func(env fanout.Envelope) {
		if cs := live.Load(); cs != nil {
			cs.DeliverRemote(env)
		}
	}

	stk := connectStack(ctx, cfg, storeOpts, deliver, logger)

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	opts := server.DefaultOptions()
	opts.JoinLimit = ratelimit.Rule{Limit: cfg.RateJoinLimit, WindowSeconds: cfg.RateJoinWindowSec}
	opts.LocationLimit = ratelimit.Rule{Limit: cfg.RateLocationLimit, WindowSeconds: cfg.RateLocationWindowSec}
	opts.ChatLimit = ratelimit.Rule{Limit: cfg.RateChatLimit, WindowSeconds: cfg.RateChatWindowSec}
	opts.MessageMaxLength = cfg.MessageMaxLength
	opts.FlushInterval = cfg.PatchFlushInterval()
	opts.FullSyncOnLocation = cfg.PresenceFullSyncOnLocation
	opts.FrameRate = cfg.FrameRate
	opts.FrameBurst = cfg.FrameBurst
	opts.OpTimeout = cfg.BrokerTimeout

	chatServer, err := server.NewChatServer(logger, server.Deps{
		Store:     stk.store,
		Limiter:   stk.limiter,
		Broker:    stk.broker,
		Validator: auth.NewJWTValidator(cfg.SigningKey),
		Resolver:  geo.NewResolver(cfg.GeoCellDegrees),
		Stats:     statsUpdater,
	}, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("new chat server")
	}

	live.Store(chatServer)
	go chatServer.Run()

	logger.Info().
		Interface("mode", chatServer.Mode()).
		Float64("geo_cell_degrees", geo.ClampCell(cfg.GeoCellDegrees)).
		Dur("patch_flush", chatServer.FlushInterval()).
		Msg("chat server ready")

	srv := api.NewGoChatApp(mux, logger, chatServer, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutDownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	cancel()
	if err := stk.broker.Close(); err != nil {
		logger.Error().Err(err).Msg("fanout close")
	}
	if stk.state != nil {
		stk.state.Close()
	}

	logger.Info().Msg("shutdown complete")
}

// stack is the set of strategies the chat server runs with.
type stack struct {
	broker  fanout.Broker
	state   *redis.Client
	store   store.Store
	limiter ratelimit.Limiter
}

func singleInstance(storeOpts store.Options) stack {
	return stack{
		broker:  fanout.NewDisabled(),
		store:   store.NewMemory(storeOpts),
		limiter: ratelimit.NewLocal(),
	}
}

// connectStack selects the Redis-backed strategies when the broker is
// reachable and its subscriber starts, and the in-process ones otherwise.
func connectStack(ctx context.Context, cfg *config.Config, storeOpts store.Options, deliver fanout.DeliverFunc, logger zerolog.Logger) stack {
	broker, state, err := fanout.Connect(ctx, fanout.Options{
		RedisURL: cfg.RedisURL,
		NATSURL:  cfg.NATSURL,
		Driver:   cfg.FanoutDriver,
		Channel:  cfg.FanoutChannel,
		Timeout:  cfg.BrokerTimeout,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("running in single-instance mode")
		return singleInstance(storeOpts)
	}

	if err := broker.Start(ctx, deliver); err != nil {
		logger.Warn().Err(err).Msg("fanout subscriber failed, running in single-instance mode")
		broker.Close()
		state.Close()
		return singleInstance(storeOpts)
	}

	return stack{
		broker:  broker,
		state:   state,
		store:   store.NewRedis(state, broker, storeOpts, logger),
		limiter: ratelimit.NewRedis(state, cfg.KeyPrefix, logger),
	}
}

// Command collector launches the depthstream orderbook collector.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/depthstream/depthstream/internal/config"
	"github.com/depthstream/depthstream/internal/decode"
	"github.com/depthstream/depthstream/internal/manager"
	"github.com/depthstream/depthstream/internal/publish"
	"github.com/depthstream/depthstream/internal/ratelimit"
	"github.com/depthstream/depthstream/internal/schema"
	"github.com/depthstream/depthstream/internal/server"
	"github.com/depthstream/depthstream/internal/snapshot"
	"github.com/depthstream/depthstream/internal/telemetry"
	"github.com/depthstream/depthstream/internal/transport"
)

const (
	serverShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	okxPingInterval          = 25 * time.Second
)

var defaultWSURLs = map[schema.Exchange]string{
	schema.ExchangeBinance:        "wss://stream.binance.com:9443/stream",
	schema.ExchangeBinanceFutures: "wss://fstream.binance.com/stream",
	schema.ExchangeOKX:            "wss://ws.okx.com:8443/ws/v5/public",
	schema.ExchangeDeribit:        "wss://www.deribit.com/ws/api/v2",
}

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	log := newLogger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Int("exchanges", enabledCount(cfg)).Msg("configuration loaded")

	mp, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatal().Err(err).Msg("initialise telemetry")
	}
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		log.Fatal().Err(err).Msg("register metrics")
	}

	limiter := buildLimiter(cfg)
	fetcher := buildFetcher(cfg, limiter, log)
	sink := buildSink(cfg, log)

	fleet, err := manager.New(buildSymbols(cfg), manager.Options{
		Fetcher:        fetcher,
		Sink:           sink,
		Metrics:        metrics,
		Log:            log,
		QueueCapacity:  cfg.Publisher.QueueCapacity,
		DrainGrace:     cfg.Publisher.DrainGrace,
		BufferCapacity: cfg.Sync.BufferCapacity,
		ResyncDelay:    cfg.Sync.ResyncDelay,
		ResyncDelayMax: cfg.Sync.ResyncDelayMax,
		MaxResyncs:     cfg.Sync.MaxResyncs,
		StartupJitter:  true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build fleet")
	}
	if err := fleet.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start fleet")
	}

	sources, err := startSources(ctx, cfg, fleet, metrics, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start websocket sources")
	}

	healthServer := server.New(cfg.Health.Bind, fleet)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()
	log.Info().Str("bind", cfg.Health.Bind).Msg("collector started; awaiting shutdown signal")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	_ = healthServer.Shutdown(shutdownCtx)
	shutdownCancel()

	for _, src := range sources {
		src.Stop()
	}
	fleet.Stop()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := telemetryShutdown(telemetryCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown")
	}
	telemetryCancel()

	log.Info().Msg("shutdown complete")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "path to collector configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("DEPTHSTREAM_LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "depthstream").Logger()
}

func enabledCount(cfg config.Config) int {
	n := 0
	for _, ex := range cfg.Exchanges {
		if ex.Enabled {
			n++
		}
	}
	return n
}

func buildLimiter(cfg config.Config) *ratelimit.Limiter {
	budgets := make(map[schema.Exchange]ratelimit.Budget, len(cfg.Limiter.Budgets))
	for name, budget := range cfg.Limiter.Budgets {
		budgets[schema.Exchange(name)] = ratelimit.Budget{Weight: budget.Weight, Window: budget.Window}
	}
	return ratelimit.New(budgets)
}

func buildFetcher(cfg config.Config, limiter *ratelimit.Limiter, log zerolog.Logger) snapshot.Fetcher {
	symbols := make(map[schema.Exchange]snapshot.NativeSymboler)
	opts := []snapshot.Option{snapshot.WithMinInterval(cfg.Sync.MinSnapshotGap)}
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		exchange := schema.Exchange(name)
		decoder, err := decode.ForExchange(exchange)
		if err != nil {
			log.Fatal().Err(err).Str("exchange", name).Msg("build symbol translator")
		}
		symbols[exchange] = decoder
		if ex.RESTURL != "" {
			opts = append(opts, snapshot.WithBaseURL(exchange, ex.RESTURL))
		}
	}
	return snapshot.New(limiter, symbols, opts...)
}

func buildSink(cfg config.Config, log zerolog.Logger) publish.Sink {
	if cfg.Publisher.NATSURL == "" {
		log.Warn().Msg("no NATS url configured, books stay in memory")
		return publish.NewMemorySink()
	}
	sink, err := publish.NewJetStreamSink(cfg.Publisher.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to NATS")
	}
	log.Info().Str("url", cfg.Publisher.NATSURL).Msg("publishing to JetStream")
	return sink
}

func buildSymbols(cfg config.Config) []manager.Symbol {
	var out []manager.Symbol
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		for _, symbol := range ex.Symbols {
			out = append(out, manager.Symbol{
				Exchange:      schema.Exchange(name),
				MarketType:    schema.MarketType(ex.MarketType),
				Symbol:        symbol,
				DepthLimit:    ex.DepthLimit,
				SnapshotDepth: ex.SnapshotDepth,
			})
		}
	}
	return out
}

// startSources dials one websocket per enabled exchange and routes decoded
// updates into the fleet.
func startSources(ctx context.Context, cfg config.Config, fleet *manager.Fleet, metrics *telemetry.Metrics, log zerolog.Logger) ([]*transport.Source, error) {
	var sources []*transport.Source
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		exchange := schema.Exchange(name)
		marketType := schema.MarketType(ex.MarketType)
		decoder, err := decode.ForExchange(exchange)
		if err != nil {
			return nil, err
		}

		url := ex.WSURL
		if url == "" {
			url = defaultWSURLs[exchange]
		}
		symbols := ex.Symbols
		srcLog := log.With().Str("exchange", name).Logger()

		srcCfg := transport.Config{
			Exchange: exchange,
			URL:      url,
			SubscribeFrames: func() ([][]byte, error) {
				return decoder.SubscribeFrames(symbols, marketType)
			},
			Handler: func(frame []byte) {
				updates, err := decoder.Decode(frame)
				if err != nil {
					metrics.RecordDecodeDropped(context.Background(), exchange, 1)
					srcLog.Debug().Err(err).Msg("frame dropped")
					return
				}
				for _, u := range updates {
					fleet.Route(u)
				}
			},
			OnDisconnect: func(err error) {
				srcLog.Warn().Err(err).Msg("feed disconnected")
				fleet.NotifyDisconnect(exchange)
			},
			Heartbeat: cfg.Sync.Heartbeat,
			Log:       srcLog,
		}
		if exchange == schema.ExchangeOKX {
			srcCfg.PingInterval = okxPingInterval
			srcCfg.PingPayload = []byte("ping")
		}

		src := transport.NewSource(srcCfg)
		if err := src.Start(ctx); err != nil {
			// keep going: the source retries in the background
			srcLog.Warn().Err(err).Msg("initial websocket connection pending")
		}
		sources = append(sources, src)
	}
	return sources, nil
}

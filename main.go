package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jpillora/backoff"

	"pricefeed/config"
	"pricefeed/internal/channel"
	"pricefeed/internal/hub"
	"pricefeed/internal/metrics"
	"pricefeed/internal/server"
	"pricefeed/internal/store"
	"pricefeed/internal/symbols"
	"pricefeed/logger"
	"pricefeed/processor"
	"pricefeed/reader/alltick"
	"pricefeed/reader/simulator"
	"pricefeed/writer"
)

// stoppable is anything main has to shut down in reverse start order.
type stoppable struct {
	name string
	stop func()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	symbolsPath := flag.String("symbols", "", "Path to symbol list file (overrides symbols.file)")
	simulate := flag.Bool("simulate", false, "Use simulated prices instead of the upstream feed")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *simulate {
		cfg.Simulation.Enabled = true
	}
	if *symbolsPath != "" {
		cfg.Symbols.File = *symbolsPath
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Pricefeed.Name,
		"version":     cfg.Pricefeed.Version,
		"environment": env,
	}).Info("starting pricefeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval)

	var started []stoppable

	// Spread rules
	ruleStore, closeStore, err := openRuleStore(cfg)
	if err != nil {
		log.WithError(err).Error("failed to open spread rule store")
		os.Exit(1)
	}
	if closeStore != nil {
		started = append(started, stoppable{"spread rule store", closeStore})
	}

	mapper := symbols.NewMapper(cfg.Symbols.CryptoBases, cfg.Symbols.VendorOverrides)
	engine := processor.NewSpreadEngine(cfg, ruleStore, mapper)
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start spread engine")
		os.Exit(1)
	}
	started = append(started, stoppable{"spread engine", engine.Stop})

	// Trade engine feed and recorders
	var tradeEngine hub.TradeEngine
	var recorders []hub.TickRecorder

	if cfg.Storage.Kafka.Enabled {
		feed, err := writer.NewTradeFeedWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create trade feed writer")
			os.Exit(1)
		}
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start trade feed writer")
			os.Exit(1)
		}
		tradeEngine = feed
		started = append(started, stoppable{"trade feed writer", feed.Stop})
	} else {
		log.WithComponent("main").Warn("kafka disabled; price updates are not forwarded to the trade engine")
	}

	if cfg.Storage.Redis.Enabled {
		mirror, err := writer.NewRedisMirror(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create redis mirror")
			os.Exit(1)
		}
		if err := mirror.Start(ctx); err != nil {
			log.WithError(err).Warn("redis mirror unavailable; continuing without it")
		} else {
			recorders = append(recorders, mirror)
			started = append(started, stoppable{"redis mirror", mirror.Stop})
		}
	}

	if cfg.Storage.S3.Enabled {
		archiver, err := writer.NewTickArchiver(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create tick archiver")
			os.Exit(1)
		}
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start tick archiver")
			os.Exit(1)
		}
		recorders = append(recorders, archiver)
		started = append(started, stoppable{"tick archiver", archiver.Stop})
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping tick archive")
	}

	// Hub, channels and pipeline
	priceHub := hub.New(cfg, tradeEngine, recorders...)
	if err := priceHub.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start price hub")
		os.Exit(1)
	}
	started = append(started, stoppable{"price hub", priceHub.Shutdown})

	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.EventBuffer)
	channels.StartMetricsReporting(ctx, cfg.Logging.ReportInterval)

	pipeline := processor.NewPipeline(channels, engine, priceHub)
	if err := pipeline.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}
	started = append(started, stoppable{"pipeline", pipeline.Stop})

	// Price source
	subscribe := startupSymbols(cfg)
	source, stopSource := startSource(ctx, cfg, env, channels, mapper, subscribe)
	if source == nil {
		os.Exit(1)
	}
	priceHub.SetUpstream(source)
	started = append(started, stoppable{source.Name() + " source", stopSource})

	// Subscriber server
	var wg sync.WaitGroup
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.Server.Enabled {
		srv := server.NewServer(cfg, priceHub, engine)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(serverCtx); err != nil {
				log.WithError(err).Error("subscriber server stopped")
			}
		}()
	}

	log.WithFields(logger.Fields{
		"source":  source.Name(),
		"symbols": len(subscribe),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	done := make(chan struct{})
	go func() {
		log.Info("stopping subscriber server")
		stopServer()
		wg.Wait()
		for i := len(started) - 1; i >= 0; i-- {
			log.Info("stopping " + started[i].name)
			started[i].stop()
		}
		cancel()
		channels.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("pricefeed stopped")
}

func openRuleStore(cfg *config.Config) (store.SpreadRuleStore, func(), error) {
	switch cfg.Spread.Store {
	case "postgres":
		pg, err := store.NewPostgresStore(cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case "file":
		return store.NewFileStore(cfg.Spread.File), nil, nil
	default:
		return store.Static(nil), nil, nil
	}
}

// startupSymbols prefers the symbol file, then the config list, then the
// built-in default set.
func startupSymbols(cfg *config.Config) []string {
	log := logger.GetLogger().WithComponent("main")
	if cfg.Symbols.File != "" {
		sets, err := config.LoadSymbolSets(cfg.Symbols.File)
		if err == nil && len(sets.All()) > 0 {
			return sets.All()
		}
		if err != nil {
			log.WithError(err).Warn("failed to load symbol file; using configured symbols")
		}
	}
	if len(cfg.Symbols.Subscribe) > 0 {
		return cfg.Symbols.Subscribe
	}
	return symbols.DefaultSymbols()
}

// startSource connects to the upstream feed, retrying the first connect with
// the reconnect policy. Outside production-like environments a failed feed
// falls back to simulation.
func startSource(ctx context.Context, cfg *config.Config, env string, ch *channel.Channels, mapper *symbols.Mapper, syms []string) (hub.Upstream, func()) {
	log := logger.GetLogger().WithComponent("main")

	if !cfg.UseSimulation() {
		client := alltick.NewClient(cfg, ch, mapper)
		if err := client.Subscribe(ctx, syms); err != nil {
			log.WithError(err).Warn("failed to queue startup subscriptions")
		}
		err := connectWithRetry(ctx, cfg, client)
		if err == nil {
			return client, client.Disconnect
		}
		if config.IsProductionLike(env) {
			log.WithError(err).WithFields(logger.Fields{"environment": env}).Error("upstream feed unavailable")
			return nil, nil
		}
		log.WithError(err).Warn("upstream feed unavailable; starting price simulation")
	} else {
		log.Info("no upstream token or simulation forced; starting price simulation")
	}

	sim := simulator.New(cfg, ch, mapper)
	if err := sim.Subscribe(ctx, syms); err != nil {
		log.WithError(err).Warn("failed to record simulated subscriptions")
	}
	if err := sim.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start price simulation")
		return nil, nil
	}
	return sim, sim.Stop
}

func connectWithRetry(ctx context.Context, cfg *config.Config, client *alltick.Client) error {
	rc := cfg.Provider.Reconnect
	b := &backoff.Backoff{Min: rc.BaseDelay, Max: rc.MaxDelay, Factor: rc.Factor}
	attempts := rc.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = client.Connect(ctx); err == nil {
			return nil
		}
		var connErr *alltick.ConnectionError
		if errors.As(err, &connErr) && connErr.StatusCode == http.StatusUnauthorized {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := b.Duration()
		logger.GetLogger().WithComponent("main").WithError(err).WithFields(logger.Fields{
			"attempt": i + 1,
			"delay":   delay.String(),
		}).Warn("initial connect failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

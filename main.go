package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"bybit-trading-pipeline/config"
	"bybit-trading-pipeline/internal/analyzer"
	"bybit-trading-pipeline/internal/api"
	"bybit-trading-pipeline/internal/broker"
	"bybit-trading-pipeline/internal/bybit"
	"bybit-trading-pipeline/internal/discovery"
	"bybit-trading-pipeline/internal/executor"
	"bybit-trading-pipeline/internal/finder"
	"bybit-trading-pipeline/internal/kv"
	"bybit-trading-pipeline/internal/logging"
	"bybit-trading-pipeline/internal/scanner"
	"bybit-trading-pipeline/internal/selector"
	"bybit-trading-pipeline/internal/storage"
	"bybit-trading-pipeline/internal/vault"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var serviceNames = []string{"discovery", "scanner", "live-scanner", "analyzer", "selector", "finder", "executor", "api"}

func main() {
	service := flag.String("service", "all", "service to run: "+strings.Join(serviceNames, ", ")+" or all")
	flag.Parse()

	// Optional .env for local development; deployment uses real env vars.
	for _, path := range []string{".env", "../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(*service, cfg.LoggingConfig.Level, cfg.LoggingConfig.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *service, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("pipeline terminated")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, service string, cfg *config.Config, logger zerolog.Logger) error {
	if err := loadVaultCredentials(ctx, cfg, logger); err != nil {
		return err
	}

	deps, err := buildDeps(ctx, service, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	services, err := selectServices(service, cfg, deps, logger)
	if err != nil {
		return err
	}

	return runServices(ctx, services, logger)
}

// loadVaultCredentials overrides the environment credentials with the Vault
// secret when Vault is configured.
func loadVaultCredentials(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	if !client.IsEnabled() {
		return nil
	}

	if err := client.Health(ctx); err != nil {
		return err
	}
	creds, err := client.ReadCredentials(ctx)
	if err != nil {
		return err
	}
	cfg.BybitConfig.APIKey = creds.APIKey
	cfg.BybitConfig.APISecret = creds.APISecret
	cfg.BybitConfig.TestNet = creds.IsTestnet
	logger.Info().Msg("exchange credentials loaded from vault")
	return nil
}

// deps holds the shared infrastructure connections. Only what the selected
// services need is opened.
type deps struct {
	exchange  *bybit.Client
	store     *kv.Store
	amqp      *broker.Broker
	db        *storage.DB
	results   *storage.ResultsRepo
	history   *storage.HistoryRepo
	positions *storage.PositionsRepo
}

func (d *deps) close() {
	if d.amqp != nil {
		d.amqp.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
}

func buildDeps(ctx context.Context, service string, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{
		exchange: bybit.NewClient(cfg.BybitConfig.APIKey, cfg.BybitConfig.APISecret, cfg.BybitConfig.TestNet, cfg.BybitConfig.HTTPTimeout),
	}

	needs := func(names ...string) bool {
		if service == "all" {
			return true
		}
		for _, n := range names {
			if n == service {
				return true
			}
		}
		return false
	}

	var err error
	if needs("discovery", "scanner", "live-scanner", "executor", "api") {
		d.store, err = kv.NewStore(cfg.RedisConfig, logging.Component(logger, "redis"))
		if err != nil {
			d.close()
			return nil, err
		}
	}
	if needs("scanner", "live-scanner", "analyzer", "selector", "finder") {
		d.amqp, err = broker.Connect(cfg.RabbitMQConfig, logging.Component(logger, "rabbitmq"))
		if err != nil {
			d.close()
			return nil, err
		}
	}
	if needs("scanner", "analyzer", "selector", "finder", "executor", "api") {
		d.db, err = storage.NewDB(cfg.DatabaseConfig, logging.Component(logger, "postgres"))
		if err != nil {
			d.close()
			return nil, err
		}
		if err := d.db.RunMigrations(ctx); err != nil {
			d.close()
			return nil, err
		}
		d.results = storage.NewResultsRepo(d.db, logging.Component(logger, "results"))
		d.history = storage.NewHistoryRepo(d.db, logging.Component(logger, "history"))
		d.positions = storage.NewPositionsRepo(d.db, logging.Component(logger, "positions"))
	}
	return d, nil
}

type namedService struct {
	name string
	run  func(context.Context) error
}

func selectServices(service string, cfg *config.Config, d *deps, logger zerolog.Logger) ([]namedService, error) {
	builders := map[string]func() namedService{
		"discovery": func() namedService {
			svc := discovery.NewService(d.exchange, d.store, cfg.DiscoveryConfig, logging.Component(logger, "discovery"))
			return namedService{"discovery", svc.Run}
		},
		"scanner": func() namedService {
			svc := scanner.NewService(d.store, d.amqp, d.results, d.history, cfg.ScannerConfig, cfg.RabbitMQConfig.TaskQueue, logging.Component(logger, "scanner"))
			return namedService{"scanner", svc.Run}
		},
		"live-scanner": func() namedService {
			svc := scanner.NewLiveScanner(d.store, d.amqp, cfg.ScannerConfig, cfg.TradingConfig, cfg.RabbitMQConfig.EntryQueue, cfg.BybitConfig.TestNet, logging.Component(logger, "live-scanner"))
			return namedService{"live-scanner", svc.Run}
		},
		"analyzer": func() namedService {
			svc := analyzer.NewService(d.exchange, d.amqp, d.results, cfg.TradingConfig, cfg.RabbitMQConfig.TaskQueue, logging.Component(logger, "analyzer"))
			return namedService{"analyzer", svc.Run}
		},
		"selector": func() namedService {
			svc := selector.NewService(d.results, d.amqp, cfg.SelectorConfig, cfg.RabbitMQConfig.SignalQueue, logging.Component(logger, "selector"))
			return namedService{"selector", svc.Run}
		},
		"finder": func() namedService {
			svc := finder.NewService(d.exchange, d.amqp, d.positions, cfg.TradingConfig, cfg.RabbitMQConfig.SignalQueue, logging.Component(logger, "finder"))
			return namedService{"finder", svc.Run}
		},
		"executor": func() namedService {
			svc := executor.NewService(d.exchange, d.store, d.positions, cfg.ExecutorConfig, cfg.TradingConfig, logging.Component(logger, "executor"))
			return namedService{"executor", svc.Run}
		},
		"api": func() namedService {
			srv := api.NewServer(cfg.APIConfig, d.store, d.results, d.positions, logging.Component(logger, "api"))
			return namedService{"api", srv.Run}
		},
	}

	if service == "all" {
		var services []namedService
		for _, name := range serviceNames {
			if name == "api" && !cfg.APIConfig.Enabled {
				continue
			}
			if name == "live-scanner" {
				// The websocket path is opt-in; run it explicitly.
				continue
			}
			services = append(services, builders[name]())
		}
		return services, nil
	}

	build, ok := builders[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q, expected one of: %s", service, strings.Join(serviceNames, ", "))
	}
	return []namedService{build()}, nil
}

// runServices runs every service until the first failure or cancellation,
// then waits for the rest to wind down.
func runServices(ctx context.Context, services []namedService, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))

	for _, svc := range services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("service", svc.name).Msg("service starting")
			if err := svc.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", svc.name, err)
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

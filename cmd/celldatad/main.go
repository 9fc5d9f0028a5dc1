package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/api"
	"github.com/markus-lassfolk/celldata/pkg/apnstore"
	"github.com/markus-lassfolk/celldata/pkg/controller"
	"github.com/markus-lassfolk/celldata/pkg/handler"
	"github.com/markus-lassfolk/celldata/pkg/ipc"
	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/metrics"
	"github.com/markus-lassfolk/celldata/pkg/netagent"
	"github.com/markus-lassfolk/celldata/pkg/opconfig"
	"github.com/markus-lassfolk/celldata/pkg/pidfile"
	"github.com/markus-lassfolk/celldata/pkg/radio"
	"github.com/markus-lassfolk/celldata/pkg/service"
	"github.com/markus-lassfolk/celldata/pkg/settings"
	"github.com/markus-lassfolk/celldata/pkg/slots"
	"github.com/markus-lassfolk/celldata/pkg/telem"
	"github.com/markus-lassfolk/celldata/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultPath, "Path to UCI configuration file")
	envFile    = flag.String("env-file", "", "Load environment overrides from this .env file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "celldatad"
	AppVersion = "1.0.0"

	cleanupInterval = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func run() error {
	path := *envFile
	if path == "" {
		path = os.Getenv(uci.EnvPrefix + "_ENV_FILE")
	}
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", *configPath, err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := logx.NewLogger(cfg.LogLevel, AppName)

	if !cfg.Enable {
		logger.Info("cellular data daemon disabled in configuration")
		return nil
	}

	pid := pidfile.New(cfg.PIDFile)
	if err := pid.Create(); err != nil {
		return fmt.Errorf("failed to create pid file: %w", err)
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error("failed to remove pid file", "error", err)
		}
	}()

	logger.Info("starting cellular data daemon", "version", AppVersion, "pid", os.Getpid(),
		"slots", cfg.SlotCount, "backend", cfg.RadioBackend)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := settings.OpenBoltStore(filepath.Join(cfg.DataDir, "settings.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	secret, err := loadSecret(secretPath(cfg))
	if err != nil {
		return err
	}
	profiles, err := apnstore.Open(filepath.Join(cfg.DataDir, "apns.db"), secret, logger.With("component", "apnstore"))
	if err != nil {
		return err
	}
	defer profiles.Close()

	var operators *opconfig.File
	if _, statErr := os.Stat(cfg.OperatorConfig); statErr == nil {
		operators, err = opconfig.Load(cfg.OperatorConfig)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("operator config not found, using built in defaults", "path", cfg.OperatorConfig)
	}

	events, err := telem.NewStore(cfg.RetentionHours, cfg.EventCapacity)
	if err != nil {
		return fmt.Errorf("failed to create event store: %w", err)
	}
	defer events.Close()

	collector := metrics.New(prometheus.DefaultRegisterer)

	var broker netagent.Broker
	var mqttBroker *netagent.MQTTBroker
	if cfg.MQTT.Enabled {
		mqttBroker = netagent.NewMQTTBroker(&netagent.MQTTConfig{
			Enabled:     true,
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, logger.With("component", "mqtt"))
		if err := mqttBroker.Connect(); err != nil {
			logger.Warn("mqtt broker unavailable, continuing without it", "error", err)
		}
		defer mqttBroker.Disconnect()
		broker = mqttBroker
	} else {
		broker = netagent.NewMemoryBroker()
	}
	agent := netagent.NewAgent(broker, logger.With("component", "netagent"))

	observer := handler.ObserverFunc(func(ev pkg.Event) {
		events.Publish(ev)
		collector.Publish(ev)
		if mqttBroker != nil {
			if err := mqttBroker.PublishEvent(ev); err != nil {
				logger.Debug("failed to publish event", "type", string(ev.Type), "error", err)
			}
		}
	})

	var rad radio.Radio
	var traffic radio.TrafficSource
	var mm *radio.ModemManager
	switch cfg.RadioBackend {
	case uci.BackendFake:
		fake := radio.NewFakeRadio()
		rad, traffic = fake, fake.TrafficSource()
	default:
		mm, err = radio.ConnectModemManager(cfg.ModemPathMap(), logger.With("component", "modemmanager"))
		if err != nil {
			return err
		}
		rad = mm
		traffic = radio.NewNetlinkTraffic(cfg.TrafficIfaceMap())
	}

	slotCtx := slots.NewContext(cfg.SlotCount)
	slotCtx.SetDsdsMode(cfg.Dsds())
	if err := slotCtx.SetDefaultDataSlot(cfg.DefaultSlot); err != nil {
		return err
	}

	ctrl := controller.New(controller.Config{
		Context:   slotCtx,
		Radio:     rad,
		Agent:     agent,
		Traffic:   traffic,
		Settings:  store,
		Profiles:  profiles,
		Operators: operators,
		Observer:  observer,
		Logger:    logger.With("component", "controller"),
	})
	svc := service.New(slotCtx, ctrl, logger.With("component", "service"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			logger.Error("failed to stop service", "error", err)
		}
	}()
	if mm != nil {
		if err := mm.Start(); err != nil {
			return fmt.Errorf("failed to start modem manager backend: %w", err)
		}
		defer mm.Stop()
	}

	grpcServer, err := ipc.NewServer(ipc.Config{Listen: cfg.GRPCListen, AuthKey: cfg.APIAuthKey}, svc,
		logger.With("component", "ipc"))
	if err != nil {
		return err
	}
	httpServer := api.NewServer(api.Config{Listen: cfg.HTTPListen, AuthKey: cfg.APIAuthKey}, ctrl, events,
		collector, prometheus.DefaultGatherer, logger.With("component", "api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return grpcServer.Run(gctx) })
	g.Go(func() error { return httpServer.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if n := events.Cleanup(now); n > 0 {
					logger.Debug("expired events removed", "count", n)
				}
			}
		}
	})

	logger.Info("cellular data daemon running", "http", cfg.HTTPListen, "grpc", cfg.GRPCListen)
	<-gctx.Done()
	logger.Info("shutting down")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout exceeded")
	}
	return nil
}

func secretPath(cfg *uci.Config) string {
	if cfg.SecretFile != "" {
		return cfg.SecretFile
	}
	return filepath.Join(cfg.DataDir, "apn.key")
}

// loadSecret reads the APN store secret, creating a random one on first start
func loadSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err == nil && len(secret) > 0 {
		return secret, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}
	secret = make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write secret: %w", err)
	}
	return secret, nil
}

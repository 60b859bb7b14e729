package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cepro/bmsmonitor/api"
	"github.com/cepro/bmsmonitor/compute"
	"github.com/cepro/bmsmonitor/config"
	"github.com/cepro/bmsmonitor/coordinator"
	dataplatform "github.com/cepro/bmsmonitor/data_platform"
	"github.com/cepro/bmsmonitor/device"
	"github.com/cepro/bmsmonitor/dynamo"
	"github.com/cepro/bmsmonitor/modbusaccess"
	"github.com/cepro/bmsmonitor/packctl"
	"github.com/cepro/bmsmonitor/poller"
	"github.com/cepro/bmsmonitor/repository"
	"github.com/cepro/bmsmonitor/supabase"
	"github.com/cepro/bmsmonitor/telemetry"
	"github.com/lmittmann/tint"
)

func main() {

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		slog.Error("Failed to read config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log)

	slog.Info("Starting BMS monitor...", "listen", cfg.HTTP.Listen, "compute_mode", cfg.AWS.ComputeMode)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, cfg)
	if err != nil {
		slog.Error("Exiting with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Exiting")
}

func setupLogging(c config.LogConfig) {
	// already validated
	level, _ := c.SlogLevel()

	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

// run wires the components together and serves until the context is cancelled.
func run(ctx context.Context, cfg config.Config) error {

	dynamoClient, err := dynamo.NewClient(ctx, cfg.AWS.Region)
	if err != nil {
		return fmt.Errorf("create dynamodb client: %w", err)
	}
	telemetryStore := dynamo.NewTelemetryStore(dynamoClient, cfg.AWS.TelemetryTable)
	batteryStore := dynamo.NewBatteryStore(dynamoClient, cfg.AWS.BatteriesTable)

	invoker, err := newInvoker(ctx, cfg.AWS, telemetryStore)
	if err != nil {
		return err
	}

	coord := coordinator.New(invoker, coordinator.Options{
		Progressive:   cfg.Coordinator.Progressive,
		InvokeTimeout: cfg.Coordinator.InvokeTimeout(),
	})

	sources := poller.SourceByKind{device.KindBMS: telemetryStore}
	if cfg.PackController.Host != "" {
		conn := modbusaccess.NewConn(cfg.PackController.Host, byte(cfg.PackController.SlaveID), cfg.PackController.Timeout())
		defer conn.Close()
		sources[device.KindController] = packctl.New(conn)
	}
	latest := poller.New(sources, cfg.Poller.Interval())
	defer latest.Close()

	if cfg.DataPlatform.Enabled() {
		dataPlatform, err := newDataPlatform(cfg.DataPlatform)
		if err != nil {
			return err
		}
		go dataPlatform.Run(ctx)

		// the latest readings of the monitored devices are archived through the data platform
		for _, id := range cfg.Monitor.Devices {
			unsubscribe, err := latest.Subscribe(id, func(reading telemetry.LatestReading, err error) {
				if err != nil {
					return
				}
				dataPlatform.Record(reading)
			})
			if err != nil {
				return fmt.Errorf("monitor %s: %w", id, err)
			}
			defer unsubscribe()
		}
	}

	server := api.New(coord, latest, batteryStore)
	return server.Run(ctx, cfg.HTTP.Listen)
}

func newInvoker(ctx context.Context, c config.AWSConfig, store *dynamo.TelemetryStore) (coordinator.Invoker, error) {
	switch c.ComputeMode {
	case config.ComputeModeDynamoDB:
		return compute.NewDynamoInvoker(store), nil
	default:
		lambdaClient, err := compute.NewLambdaClient(ctx, c.Region)
		if err != nil {
			return nil, fmt.Errorf("create lambda client: %w", err)
		}
		return compute.NewLambdaInvoker(lambdaClient, c.ComputeFunction), nil
	}
}

func newDataPlatform(c config.DataPlatformConfig) (*dataplatform.DataPlatform, error) {
	supabaseClient, err := supabase.New(c.Supabase.Url, os.Getenv("SUPABASE_KEY"), os.Getenv("SUPABASE_USER_KEY"), c.Supabase.Schema)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}

	repo, err := repository.New(c.BufferPath)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	return dataplatform.New(supabaseClient, repo, c.Supabase.Table, c.UploadInterval()), nil
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cepro/bmsmonitor/device"
	"github.com/goccy/go-yaml"
)

const (
	ComputeModeLambda   = "lambda"
	ComputeModeDynamoDB = "dynamodb"
)

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	TelemetryTable  string `yaml:"telemetryTable"`
	BatteriesTable  string `yaml:"batteriesTable"`
	ComputeFunction string `yaml:"computeFunction"`
	ComputeMode     string `yaml:"computeMode"`
}

type CoordinatorConfig struct {
	Progressive       bool `yaml:"progressive"`
	InvokeTimeoutSecs int  `yaml:"invokeTimeoutSecs"` // zero waits for the compute function indefinitely
}

type PollerConfig struct {
	IntervalSecs int `yaml:"intervalSecs"`
}

type MonitorConfig struct {
	Devices []string `yaml:"devices"` // devices whose latest readings are archived
}

type SupabaseConfig struct {
	Url string `yaml:"url"`
	// key is specified via env var
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
}

type DataPlatformConfig struct {
	UploadIntervalSecs int            `yaml:"uploadIntervalSecs"`
	BufferPath         string         `yaml:"bufferPath"`
	Supabase           SupabaseConfig `yaml:"supabase"`
}

type PackControllerConfig struct {
	Host        string `yaml:"host"` // empty disables live reads of the controller
	SlaveID     int    `yaml:"slaveId"`
	TimeoutSecs int    `yaml:"timeoutSecs"`
}

type Config struct {
	Log            LogConfig            `yaml:"log"`
	HTTP           HTTPConfig           `yaml:"http"`
	AWS            AWSConfig            `yaml:"aws"`
	Coordinator    CoordinatorConfig    `yaml:"coordinator"`
	Poller         PollerConfig         `yaml:"poller"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	DataPlatform   DataPlatformConfig   `yaml:"dataPlatform"`
	PackController PackControllerConfig `yaml:"packController"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		AWS: AWSConfig{
			Region:         "eu-west-2",
			TelemetryTable: "bms_telemetry",
			BatteriesTable: "user_batteries",
			ComputeMode:    ComputeModeLambda,
		},
		Poller: PollerConfig{
			IntervalSecs: 20,
		},
		DataPlatform: DataPlatformConfig{
			UploadIntervalSecs: 5,
			BufferPath:         "buffer.sqlite",
			Supabase: SupabaseConfig{
				Table: "bms_snapshots",
			},
		},
		PackController: PackControllerConfig{
			SlaveID:     1,
			TimeoutSecs: 2,
		},
	}
}

// Read loads the YAML file at `path` over the defaults and validates the result.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(content)
}

func Parse(content []byte) (Config, error) {
	config := Default()
	err := yaml.Unmarshal(content, &config)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required"))
	}
	if c.AWS.TelemetryTable == "" {
		errs = append(errs, errors.New("aws.telemetryTable is required"))
	}
	if c.AWS.BatteriesTable == "" {
		errs = append(errs, errors.New("aws.batteriesTable is required"))
	}
	switch c.AWS.ComputeMode {
	case ComputeModeLambda:
		if c.AWS.ComputeFunction == "" {
			errs = append(errs, errors.New("aws.computeFunction is required in lambda compute mode"))
		}
	case ComputeModeDynamoDB:
	default:
		errs = append(errs, fmt.Errorf("aws.computeMode must be %s or %s, got %q", ComputeModeLambda, ComputeModeDynamoDB, c.AWS.ComputeMode))
	}
	if c.Coordinator.InvokeTimeoutSecs < 0 {
		errs = append(errs, errors.New("coordinator.invokeTimeoutSecs must not be negative"))
	}
	if c.Poller.IntervalSecs <= 0 {
		errs = append(errs, errors.New("poller.intervalSecs must be positive"))
	}
	for _, id := range c.Monitor.Devices {
		if _, err := device.Parse(id); err != nil {
			errs = append(errs, fmt.Errorf("monitor.devices: %w", err))
		}
	}
	if c.DataPlatform.Enabled() {
		if c.DataPlatform.UploadIntervalSecs <= 0 {
			errs = append(errs, errors.New("dataPlatform.uploadIntervalSecs must be positive"))
		}
		if c.DataPlatform.BufferPath == "" {
			errs = append(errs, errors.New("dataPlatform.bufferPath is required"))
		}
		if c.DataPlatform.Supabase.Table == "" {
			errs = append(errs, errors.New("dataPlatform.supabase.table is required"))
		}
	}
	if c.PackController.Host != "" && (c.PackController.SlaveID < 0 || c.PackController.SlaveID > 247) {
		errs = append(errs, fmt.Errorf("packController.slaveId out of range: %d", c.PackController.SlaveID))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured level name onto a slog level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	if err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func (c CoordinatorConfig) InvokeTimeout() time.Duration {
	return time.Duration(c.InvokeTimeoutSecs) * time.Second
}

func (p PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSecs) * time.Second
}

// Enabled is true when a Supabase URL is configured, which turns on the snapshot archive.
func (d DataPlatformConfig) Enabled() bool {
	return d.Supabase.Url != ""
}

func (d DataPlatformConfig) UploadInterval() time.Duration {
	return time.Duration(d.UploadIntervalSecs) * time.Second
}

func (p PackControllerConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Speaker     SpeakerConfig     `yaml:"speaker"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Router      RouterConfig      `yaml:"router"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxReports    int    `yaml:"max_reports"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects the speech capture source.
type CaptureConfig struct {
	Mode           string `yaml:"mode"` // none, mock, exec, bus
	Command        string `yaml:"command"`
	Language       string `yaml:"language"`
	InterimResults bool   `yaml:"interim_results"`
	Continuous     bool   `yaml:"continuous"`
	MaxDurationMS  int    `yaml:"max_duration_ms"`
}

type InterpreterConfig struct {
	Mode         string `yaml:"mode"` // http, exec, mock
	BaseURL      string `yaml:"base_url"`
	Command      string `yaml:"command"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	DownloadBase string `yaml:"download_base"`
}

type SpeakerConfig struct {
	Mode          string  `yaml:"mode"` // none, mock, exec, bus
	Command       string  `yaml:"command"`
	PlayerCommand string  `yaml:"player_command"`
	Voice         string  `yaml:"voice"`
	Rate          float64 `yaml:"rate"`
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	QueueSize     int     `yaml:"queue_size"`
	Target        string  `yaml:"target"`
}

type CoordinatorConfig struct {
	SpeakFeedback bool `yaml:"speak_feedback"`
}

type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicereport",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			TraceExporter:  "none",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicereport.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxReports:    1000,
		},
		Capture: CaptureConfig{
			Mode:           "none",
			Language:       "en-US",
			InterimResults: true,
			Continuous:     false,
			MaxDurationMS:  60000,
		},
		Interpreter: InterpreterConfig{
			Mode:      "http",
			BaseURL:   "http://localhost:8080/api",
			TimeoutMS: 15000,
		},
		Speaker: SpeakerConfig{
			Mode:       "mock",
			Voice:      "en-US",
			Rate:       0.9,
			SampleRate: 22050,
			Channels:   1,
			QueueSize:  8,
			Target:     "default",
		},
		Coordinator: CoordinatorConfig{
			SpeakFeedback: true,
		},
		Router: RouterConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEREPORT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEREPORT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEREPORT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEREPORT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEREPORT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "VOICEREPORT_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEREPORT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEREPORT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEREPORT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "VOICEREPORT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICEREPORT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEREPORT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEREPORT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEREPORT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEREPORT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEREPORT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEREPORT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEREPORT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEREPORT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEREPORT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEREPORT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEREPORT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxReports, "VOICEREPORT_EVENT_STORE_MAX_REPORTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEREPORT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "VOICEREPORT_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "VOICEREPORT_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Language, "VOICEREPORT_CAPTURE_LANGUAGE")
	overrideBool(&cfg.Capture.InterimResults, "VOICEREPORT_CAPTURE_INTERIM_RESULTS")
	overrideBool(&cfg.Capture.Continuous, "VOICEREPORT_CAPTURE_CONTINUOUS")
	overrideInt(&cfg.Capture.MaxDurationMS, "VOICEREPORT_CAPTURE_MAX_DURATION_MS")
	overrideString(&cfg.Interpreter.Mode, "VOICEREPORT_INTERPRETER_MODE")
	overrideString(&cfg.Interpreter.BaseURL, "VOICEREPORT_INTERPRETER_BASE_URL")
	overrideString(&cfg.Interpreter.Command, "VOICEREPORT_INTERPRETER_COMMAND")
	overrideInt(&cfg.Interpreter.TimeoutMS, "VOICEREPORT_INTERPRETER_TIMEOUT_MS")
	overrideString(&cfg.Interpreter.DownloadBase, "VOICEREPORT_INTERPRETER_DOWNLOAD_BASE")
	overrideString(&cfg.Speaker.Mode, "VOICEREPORT_SPEAKER_MODE")
	overrideString(&cfg.Speaker.Command, "VOICEREPORT_SPEAKER_COMMAND")
	overrideString(&cfg.Speaker.PlayerCommand, "VOICEREPORT_SPEAKER_PLAYER_COMMAND")
	overrideString(&cfg.Speaker.Voice, "VOICEREPORT_SPEAKER_VOICE")
	overrideFloat(&cfg.Speaker.Rate, "VOICEREPORT_SPEAKER_RATE")
	overrideInt(&cfg.Speaker.SampleRate, "VOICEREPORT_SPEAKER_SAMPLE_RATE")
	overrideInt(&cfg.Speaker.Channels, "VOICEREPORT_SPEAKER_CHANNELS")
	overrideInt(&cfg.Speaker.QueueSize, "VOICEREPORT_SPEAKER_QUEUE_SIZE")
	overrideString(&cfg.Speaker.Target, "VOICEREPORT_SPEAKER_TARGET")
	overrideBool(&cfg.Coordinator.SpeakFeedback, "VOICEREPORT_COORDINATOR_SPEAK_FEEDBACK")
	overrideBool(&cfg.Router.Enabled, "VOICEREPORT_ROUTER_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate checks a configuration that was assembled without Load.
func Validate(cfg Config) error {
	return validate(cfg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Capture.Mode {
	case "none", "mock":
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("capture.mode must be one of none|mock|exec|bus")
	}
	if cfg.Capture.MaxDurationMS < 0 {
		return errors.New("capture.max_duration_ms must be >= 0")
	}
	switch cfg.Interpreter.Mode {
	case "mock":
	case "http":
		if cfg.Interpreter.BaseURL == "" {
			return errors.New("interpreter.base_url must be set when mode=http")
		}
	case "exec":
		if cfg.Interpreter.Command == "" {
			return errors.New("interpreter.command must be set when mode=exec")
		}
	default:
		return errors.New("interpreter.mode must be one of http|exec|mock")
	}
	if cfg.Interpreter.TimeoutMS <= 0 {
		return errors.New("interpreter.timeout_ms must be positive")
	}
	switch cfg.Speaker.Mode {
	case "none", "mock":
	case "exec":
		if cfg.Speaker.Command == "" {
			return errors.New("speaker.command must be set when mode=exec")
		}
		if cfg.Speaker.SampleRate <= 0 {
			return errors.New("speaker.sample_rate must be positive")
		}
		if cfg.Speaker.Channels <= 0 {
			return errors.New("speaker.channels must be positive")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("speaker.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("speaker.mode must be one of none|mock|exec|bus")
	}
	if cfg.Speaker.QueueSize < 0 {
		return errors.New("speaker.queue_size must be >= 0")
	}
	return nil
}

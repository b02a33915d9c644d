// Package config loads and validates the service configuration. YAML files
// are env-expanded, checked against a JSON schema, then decoded with
// defaults applied.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
	"github.com/showito/realtime/output/websocket"
	"github.com/showito/realtime/processor"
	"github.com/showito/realtime/service"
)

// Duration wraps time.Duration so YAML can carry "5s"-style values.
type Duration time.Duration

// UnmarshalYAML accepts Go duration strings and bare integers (nanoseconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Config is the file-level configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Processor ProcessorConfig `yaml:"processor"`
	Server    ServerConfig    `yaml:"server"`
	Service   ServiceConfig   `yaml:"service"`
}

// ProcessorConfig mirrors processor.Config with YAML-friendly durations.
type ProcessorConfig struct {
	MaxBatchSize      int      `yaml:"max_batch_size"`
	MaxWaitTime       Duration `yaml:"max_wait_time"`
	QueueCapacity     int      `yaml:"queue_capacity"`
	PriorityThreshold string   `yaml:"priority_threshold"`
}

// ServerConfig mirrors the broadcast server config.
type ServerConfig struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	Path               string   `yaml:"path"`
	PingInterval       Duration `yaml:"ping_interval"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	MaxQueuedPerClient int      `yaml:"max_queued_per_client"`
}

// ServiceConfig mirrors the façade config.
type ServiceConfig struct {
	HTTPHost    string   `yaml:"http_host"`
	HTTPPort    int      `yaml:"http_port"`
	SnapshotTTL Duration `yaml:"snapshot_ttl"`
	IngestRate  float64  `yaml:"ingest_rate"`
	IngestBurst int      `yaml:"ingest_burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Processor: ProcessorConfig{
			MaxBatchSize:      processor.DefaultMaxBatchSize,
			MaxWaitTime:       Duration(processor.DefaultMaxWaitTime),
			QueueCapacity:     processor.DefaultQueueCapacity,
			PriorityThreshold: "medium",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8081,
			Path:         "/ws",
			PingInterval: Duration(30 * time.Second),
		},
		Service: ServiceConfig{
			HTTPHost:    "0.0.0.0",
			HTTPPort:    8080,
			SnapshotTTL: Duration(5 * time.Minute),
			IngestRate:  100,
			IngestBurst: 200,
		},
	}
}

// schema validates the structural shape of a config document before decode.
const schema = `{
  "type": "object",
  "properties": {
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "processor": {
      "type": "object",
      "properties": {
        "max_batch_size": {"type": "integer", "minimum": 1},
        "max_wait_time": {"type": ["string", "integer"]},
        "queue_capacity": {"type": "integer", "minimum": 1},
        "priority_threshold": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
      },
      "additionalProperties": false
    },
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "path": {"type": "string", "pattern": "^/"},
        "ping_interval": {"type": ["string", "integer"]},
        "write_timeout": {"type": ["string", "integer"]},
        "max_queued_per_client": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    },
    "service": {
      "type": "object",
      "properties": {
        "http_host": {"type": "string"},
        "http_port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "snapshot_ttl": {"type": ["string", "integer"]},
        "ingest_rate": {"type": "number", "exclusiveMinimum": 0},
        "ingest_burst": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// Load reads path, expands ${ENV} references, validates against the schema,
// and decodes over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "reading file")
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	if err := validate(expanded); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "decoding yaml")
	}
	return cfg, nil
}

// validate converts the YAML document to JSON and runs it through the schema.
func validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.WrapInvalid(err, "config", "validate", "parsing yaml")
	}
	if doc == nil {
		return nil // empty file: defaults apply
	}

	jsonDoc, err := json.Marshal(normalize(doc))
	if err != nil {
		return errors.WrapInvalid(err, "config", "validate", "converting to json")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(jsonDoc))
	if err != nil {
		return errors.WrapFatal(err, "config", "validate", "running schema")
	}
	if !result.Valid() {
		msg := ""
		for _, desc := range result.Errors() {
			if msg != "" {
				msg += "; "
			}
			msg += desc.String()
		}
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "validate", msg)
	}
	return nil
}

// normalize rewrites yaml map keys to strings so the document marshals to
// JSON.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return val
	}
}

// ProcessorConfig converts to the processor package's config type.
func (c *Config) ProcessorConfig() processor.Config {
	return processor.Config{
		MaxBatchSize:      c.Processor.MaxBatchSize,
		MaxWaitTime:       time.Duration(c.Processor.MaxWaitTime),
		QueueCapacity:     c.Processor.QueueCapacity,
		PriorityThreshold: message.ParsePriority(c.Processor.PriorityThreshold),
	}
}

// ServerConfig converts to the broadcast server's config type.
func (c *Config) ServerConfig() websocket.Config {
	return websocket.Config{
		Host:               c.Server.Host,
		Port:               c.Server.Port,
		Path:               c.Server.Path,
		PingInterval:       time.Duration(c.Server.PingInterval),
		WriteTimeout:       time.Duration(c.Server.WriteTimeout),
		MaxQueuedPerClient: c.Server.MaxQueuedPerClient,
	}
}

// ServiceConfig converts to the façade's config type.
func (c *Config) ServiceConfig() service.Config {
	return service.Config{
		HTTPHost:    c.Service.HTTPHost,
		HTTPPort:    c.Service.HTTPPort,
		SnapshotTTL: time.Duration(c.Service.SnapshotTTL),
		IngestRate:  c.Service.IngestRate,
		IngestBurst: c.Service.IngestBurst,
	}
}

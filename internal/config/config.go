package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cityline.yml.
type Config struct {
	Pipeline Pipeline `yaml:"pipeline"`
	Analyzer Analyzer `yaml:"analyzer"`
	Vectors  Vectors  `yaml:"vectors"`
	Alerts   Alerts   `yaml:"alerts"`
	Server   Server   `yaml:"server"`
}

// Pipeline holds the workflow tuning knobs. It is passed explicitly into the
// pipeline constructor; nothing reads it through globals.
type Pipeline struct {
	EscalateThreshold     float64          `yaml:"escalate_threshold"`
	Lanes                 Lanes            `yaml:"lanes"`
	Stages                map[string]Stage `yaml:"stages"`
	WorkerIntervalSeconds int              `yaml:"worker_interval_seconds"`
}

// WorkerInterval is the queue poll interval.
func (p Pipeline) WorkerInterval() time.Duration {
	if p.WorkerIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(p.WorkerIntervalSeconds) * time.Second
}

// Lanes names the queue partitions, one per stage type.
type Lanes struct {
	Analysis     string `yaml:"analysis"`
	Escalation   string `yaml:"escalation"`
	Notification string `yaml:"notification"`
	Audit        string `yaml:"audit"`
	Embedding    string `yaml:"embedding"`
}

// Stage is the retry policy for one pipeline stage.
type Stage struct {
	Tries               int `yaml:"tries"`
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	EnqueueDelaySeconds int `yaml:"enqueue_delay_seconds"`
}

// Timeout is the per-attempt timeout.
func (s Stage) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// EnqueueDelay is the settle delay applied when the stage is enqueued.
func (s Stage) EnqueueDelay() time.Duration {
	return time.Duration(s.EnqueueDelaySeconds) * time.Second
}

// Analyzer configures the remote risk-analysis engine.
type Analyzer struct {
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	BaseURL     string  `yaml:"base_url,omitempty"`
}

// Vectors configures the optional embedding side task.
type Vectors struct {
	Enabled bool   `yaml:"enabled"`
	Scheme  string `yaml:"scheme"`
	Host    string `yaml:"host"`
	Class   string `yaml:"class"`
}

// Alerts configures the outbound alert channel.
type Alerts struct {
	WebhookURL     string `yaml:"webhook_url"`
	Secret         string `yaml:"secret,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled,omitempty"`
}

// Timeout is the alert delivery timeout.
func (a Alerts) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Server configures the HTTP API.
type Server struct {
	Addr                   string `yaml:"addr"`
	BasePath               string `yaml:"base_path"`
	JWTSecret              string `yaml:"jwt_secret,omitempty"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
}

// Stage names used as keys in Pipeline.Stages and as queue job kinds.
const (
	StageAnalysis     = "analysis"
	StageEscalation   = "escalation"
	StageNotification = "notification"
	StageAudit        = "audit"
	StageEmbedding    = "embedding"
)

// StageFor returns the retry policy for a stage, falling back to the built-in
// defaults field by field when the config omits values.
func (p Pipeline) StageFor(name string) Stage {
	def := defaultStages[name]
	s, ok := p.Stages[name]
	if !ok {
		return def
	}
	if s.Tries <= 0 {
		s.Tries = def.Tries
	}
	if s.TimeoutSeconds <= 0 {
		s.TimeoutSeconds = def.TimeoutSeconds
	}
	return s
}

var defaultStages = map[string]Stage{
	StageAnalysis:     {Tries: 3, TimeoutSeconds: 120, EnqueueDelaySeconds: 5},
	StageEscalation:   {Tries: 2, TimeoutSeconds: 60},
	StageNotification: {Tries: 2, TimeoutSeconds: 30, EnqueueDelaySeconds: 5},
	StageAudit:        {Tries: 1, TimeoutSeconds: 30, EnqueueDelaySeconds: 10},
	StageEmbedding:    {Tries: 1, TimeoutSeconds: 60},
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cityline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when no config file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// pick up the built-in defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.EscalateThreshold < 0 || c.Pipeline.EscalateThreshold > 1 {
		return fmt.Errorf("pipeline.escalate_threshold must be within [0,1]")
	}
	lanes := map[string]string{
		StageAnalysis:     c.Pipeline.Lanes.Analysis,
		StageEscalation:   c.Pipeline.Lanes.Escalation,
		StageNotification: c.Pipeline.Lanes.Notification,
		StageAudit:        c.Pipeline.Lanes.Audit,
		StageEmbedding:    c.Pipeline.Lanes.Embedding,
	}
	seen := map[string]string{}
	for stage, lane := range lanes {
		if lane == "" {
			return fmt.Errorf("pipeline.lanes.%s is required", stage)
		}
		if prev, ok := seen[lane]; ok {
			return fmt.Errorf("pipeline.lanes.%s duplicates lane %q of %s", stage, lane, prev)
		}
		seen[lane] = stage
	}
	for name, s := range c.Pipeline.Stages {
		if _, ok := defaultStages[name]; !ok {
			return fmt.Errorf("pipeline.stages.%s is not a known stage", name)
		}
		if s.Tries < 0 {
			return fmt.Errorf("pipeline.stages.%s.tries must not be negative", name)
		}
	}
	if c.Analyzer.Model == "" {
		return fmt.Errorf("analyzer.model is required")
	}
	if c.Vectors.Enabled && c.Vectors.Host == "" {
		return fmt.Errorf("vectors.host is required when vectors.enabled")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cityline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pipeline: Pipeline{
			EscalateThreshold: 0.7,
			Lanes: Lanes{
				Analysis:     "analysis",
				Escalation:   "escalation",
				Notification: "notification",
				Audit:        "audit",
				Embedding:    "embedding",
			},
			Stages:                map[string]Stage{},
			WorkerIntervalSeconds: 2,
		},
		Analyzer: Analyzer{
			Model:       "gpt-4o-mini",
			Temperature: 0.1,
			MaxTokens:   2000,
			APIKeyEnv:   "OPENAI_API_KEY",
		},
		Vectors: Vectors{
			Scheme: "http",
			Host:   "localhost:8080",
			Class:  "ComplaintText",
		},
		Alerts: Alerts{
			TimeoutSeconds: 5,
		},
		Server: Server{
			Addr:     ":8311",
			BasePath: "/v1",
		},
	}
}

// GenerateDefault returns the default config as YAML for cityline init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `pipeline:
  escalate_threshold: 0.7
  worker_interval_seconds: 2
  lanes:
    analysis: analysis
    escalation: escalation
    notification: notification
    audit: audit
    embedding: embedding
  stages:
    analysis:
      tries: 3
      timeout_seconds: 120
      enqueue_delay_seconds: 5
    escalation:
      tries: 2
      timeout_seconds: 60
    notification:
      tries: 2
      timeout_seconds: 30
      enqueue_delay_seconds: 5
    audit:
      tries: 1
      timeout_seconds: 30
      enqueue_delay_seconds: 10
    embedding:
      tries: 1
      timeout_seconds: 60

analyzer:
  model: gpt-4o-mini
  temperature: 0.1
  max_tokens: 2000
  api_key_env: OPENAI_API_KEY

vectors:
  enabled: false
  scheme: http
  host: localhost:8080
  class: ComplaintText

alerts:
  webhook_url: ""
  timeout_seconds: 5

server:
  addr: ":8311"
  base_path: /v1
`

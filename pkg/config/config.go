package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/outpost-run/outpost/pkg/types"
)

// AgentConfig is the compile-time-shaped per-agent configuration loaded from
// the agent catalog file. Unknown agent kinds in the file are rejected.
type AgentConfig struct {
	TaskDefinition string   `yaml:"task_definition"`
	DefaultModelID string   `yaml:"default_model_id"`
	Secrets        []string `yaml:"secrets"`
	WarmPoolSize   int      `yaml:"warm_pool_size"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
	IdleTTLSeconds int      `yaml:"idle_ttl_seconds"`
	DefaultCPU     int      `yaml:"default_cpu_units"`
	DefaultMemory  int      `yaml:"default_memory_mb"`
}

// IdleTTL returns the pool idle TTL as a duration.
func (a AgentConfig) IdleTTL() time.Duration {
	if a.IdleTTLSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(a.IdleTTLSeconds) * time.Second
}

// TierConfig caps per-tenant concurrency by tier name.
type TierConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
}

// Config is the immutable process configuration, loaded once at startup and
// passed by value.
type Config struct {
	AWSRegion string

	// DynamoDB
	TablePrefix          string
	DispatchTableName    string
	IdempotencyTableName string
	TaskARNIndexName     string
	UserIndexName        string

	// IdempotencyStrict promotes idempotency-map write failures from a
	// logged warning to a hard create failure.
	IdempotencyStrict bool

	// S3
	ArtifactsBucket       string
	ArtifactRetentionDays int

	// ECS
	ECSCluster     string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool

	// Events
	EventsQueueURL string

	// CloudWatch Logs
	LogGroupName string

	// HTTP
	ListenAddr       string
	HealthListenAddr string
	AllowedOrigins   []string
	RequestTimeout   time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	Agents map[types.AgentKind]AgentConfig
	Tiers  map[string]TierConfig

	// DefaultTier applies to tenants with no explicit tier assignment.
	DefaultTier string
}

// Defaults applied when the environment leaves a knob unset.
const (
	defaultListenAddr       = ":8080"
	defaultHealthListenAddr = ":9090"
	defaultRetentionDays    = 30
	defaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from the environment (and an optional agent
// catalog file named by OUTPOST_AGENTS_FILE) into an immutable Config.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("DYNAMODB_TABLE_PREFIX", "outpost")
	v.SetDefault("TASK_ARN_GSI_NAME", "task-arn-index")
	v.SetDefault("USER_GSI_NAME", "user-started-index")
	v.SetDefault("ARTIFACT_RETENTION_DAYS", defaultRetentionDays)
	v.SetDefault("LISTEN_ADDR", defaultListenAddr)
	v.SetDefault("HEALTH_LISTEN_ADDR", defaultHealthListenAddr)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", true)
	v.SetDefault("DEFAULT_TIER", "standard")
	v.SetDefault("ECS_ASSIGN_PUBLIC_IP", false)
	v.SetDefault("IDEMPOTENCY_STRICT", false)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)

	prefix := v.GetString("DYNAMODB_TABLE_PREFIX")

	dispatchTable := v.GetString("DISPATCH_TABLE_NAME")
	if dispatchTable == "" {
		dispatchTable = prefix + "-dispatches"
	}
	idempotencyTable := v.GetString("IDEMPOTENCY_TABLE_NAME")
	if idempotencyTable == "" {
		idempotencyTable = prefix + "-idempotency"
	}

	cfg := Config{
		AWSRegion:             v.GetString("AWS_REGION"),
		TablePrefix:           prefix,
		DispatchTableName:     dispatchTable,
		IdempotencyTableName:  idempotencyTable,
		TaskARNIndexName:      v.GetString("TASK_ARN_GSI_NAME"),
		UserIndexName:         v.GetString("USER_GSI_NAME"),
		IdempotencyStrict:     v.GetBool("IDEMPOTENCY_STRICT"),
		ArtifactsBucket:       v.GetString("ARTIFACTS_BUCKET"),
		ArtifactRetentionDays: v.GetInt("ARTIFACT_RETENTION_DAYS"),
		ECSCluster:            v.GetString("ECS_CLUSTER"),
		Subnets:               v.GetStringSlice("ECS_SUBNETS"),
		SecurityGroups:        v.GetStringSlice("ECS_SECURITY_GROUPS"),
		AssignPublicIP:        v.GetBool("ECS_ASSIGN_PUBLIC_IP"),
		EventsQueueURL:        v.GetString("EVENTS_QUEUE_URL"),
		LogGroupName:          v.GetString("LOG_GROUP_NAME"),
		ListenAddr:            v.GetString("LISTEN_ADDR"),
		HealthListenAddr:      v.GetString("HEALTH_LISTEN_ADDR"),
		AllowedOrigins:        v.GetStringSlice("ALLOWED_ORIGINS"),
		RequestTimeout:        time.Duration(v.GetInt("REQUEST_TIMEOUT_SECONDS")) * time.Second,
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogJSON:               v.GetBool("LOG_JSON"),
		DefaultTier:           v.GetString("DEFAULT_TIER"),
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	agentsFile := v.GetString("OUTPOST_AGENTS_FILE")
	catalog, err := loadCatalog(agentsFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Agents = catalog.Agents
	cfg.Tiers = catalog.Tiers
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = map[string]TierConfig{"standard": {MaxConcurrentJobs: 5}}
	}

	return cfg, nil
}

// catalogFile is the YAML shape of the agent catalog.
type catalogFile struct {
	Agents map[types.AgentKind]AgentConfig `yaml:"agents"`
	Tiers  map[string]TierConfig           `yaml:"tiers"`
}

func loadCatalog(path string) (catalogFile, error) {
	if path == "" {
		return catalogFile{Agents: DefaultAgents()}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return catalogFile{}, fmt.Errorf("failed to read agent catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return catalogFile{}, fmt.Errorf("failed to parse agent catalog: %w", err)
	}

	for kind := range file.Agents {
		if !kind.Valid() {
			return catalogFile{}, fmt.Errorf("unknown agent kind in catalog: %s", kind)
		}
	}
	if len(file.Agents) == 0 {
		file.Agents = DefaultAgents()
	}
	return file, nil
}

// DefaultAgents returns the built-in agent catalog used when no catalog file
// is supplied. Task definitions follow the outpost-<kind> naming convention.
func DefaultAgents() map[types.AgentKind]AgentConfig {
	agents := make(map[types.AgentKind]AgentConfig, len(types.AgentKinds))
	defaults := map[types.AgentKind]string{
		types.AgentClaude: "claude-opus-4-5-20251101",
		types.AgentCodex:  "gpt-5.1-codex",
		types.AgentGemini: "gemini-3-pro",
		types.AgentAider:  "claude-sonnet-4-5",
		types.AgentGrok:   "grok-4",
	}
	for _, kind := range types.AgentKinds {
		agents[kind] = AgentConfig{
			TaskDefinition: "outpost-" + string(kind),
			DefaultModelID: defaults[kind],
			Secrets:        []string{"outpost/" + string(kind) + "/api-key"},
			WarmPoolSize:   2,
			MaxConcurrent:  10,
			IdleTTLSeconds: 900,
			DefaultCPU:     1024,
			DefaultMemory:  2048,
		}
	}
	return agents
}

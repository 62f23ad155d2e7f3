package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/vrischmann/envconfig"
)

const (
	MetricsNone       = "none"
	MetricsStatsd     = "statsd"
	MetricsPrometheus = "prometheus"
)

type Config struct {
	NodeID      string `envconfig:"NODE_ID,default=ipvs-agent-0"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	RegistryEndpoints   []string      `envconfig:"REGISTRY_ENDPOINTS,default=localhost:2379"`
	RegistryPrefix      string        `envconfig:"REGISTRY_PREFIX,default=/nlb-registry"`
	RegistryDialTimeout time.Duration `envconfig:"REGISTRY_DIAL_TIMEOUT,default=5s"`

	ReconcileInterval    time.Duration `envconfig:"RECONCILE_INTERVAL,default=10s"`
	ReconcileMinInterval time.Duration `envconfig:"RECONCILE_MIN_INTERVAL,default=200ms"`
	ReconcileBurst       int           `envconfig:"RECONCILE_BURST,default=2"`
	KernelDryRun         bool          `envconfig:"KERNEL_DRY_RUN,default=false"`
	IPVSNetns            string        `envconfig:"IPVS_NETNS,optional"`
	VIPInterface         string        `envconfig:"VIP_INTERFACE,optional"`

	SuspectAfter int `envconfig:"HEALTH_SUSPECT_AFTER,default=1"`
	DeadAfter    int `envconfig:"HEALTH_DEAD_AFTER,default=3"`
	RiseAfter    int `envconfig:"HEALTH_RISE_AFTER,default=1"`

	ProbeSyncInterval    time.Duration `envconfig:"PROBE_SYNC_INTERVAL,default=5s"`
	ProbeWorkers         uint16        `envconfig:"PROBE_WORKERS,default=16"`
	DefaultCheckStrategy string        `envconfig:"PROBE_DEFAULT_STRATEGY,optional"`
	DefaultCheckInterval time.Duration `envconfig:"PROBE_DEFAULT_INTERVAL,default=5s"`

	PostgresDSN          string        `envconfig:"HEALTH_POSTGRES_DSN,optional"`
	PostgresPollInterval time.Duration `envconfig:"HEALTH_POSTGRES_POLL_INTERVAL,default=5s"`

	KafkaBrokers []string `envconfig:"HEALTH_KAFKA_BROKERS,optional"`
	KafkaTopic   string   `envconfig:"HEALTH_KAFKA_TOPIC,optional"`

	GossipPort          int           `envconfig:"GOSSIP_PORT,optional"`
	GossipSeeds         []string      `envconfig:"GOSSIP_SEEDS,optional"`
	GossipProbeInterval time.Duration `envconfig:"GOSSIP_PROBE_INTERVAL,default=1s"`
	GossipProbeTimeout  time.Duration `envconfig:"GOSSIP_PROBE_TIMEOUT,default=500ms"`

	MetricsSink  string `envconfig:"METRICS_SINK,default=none"`
	StatsdAddr   string `envconfig:"STATSD_ADDR,optional"`
	StatsdPrefix string `envconfig:"STATSD_PREFIX,default=apps.nlb."`

	ProbeServerAddr string `envconfig:"PROBE_SERVER_ADDR,default=0.0.0.0:8080"`
	GrpcHealthAddr  string `envconfig:"GRPC_HEALTH_ADDR,optional"`
}

// Load reads dotenv files (missing ones are ignored) and then the environment.
func Load(envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		err := godotenv.Load(file)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	cfg := Config{}
	err := envconfig.Init(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read app config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.RegistryEndpoints) == 0 {
		return fmt.Errorf("at least one registry endpoint required")
	}
	if !strings.HasPrefix(c.RegistryPrefix, "/") {
		return fmt.Errorf("registry prefix must be absolute: %q", c.RegistryPrefix)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	if c.SuspectAfter < 1 || c.DeadAfter < c.SuspectAfter || c.RiseAfter < 1 {
		return fmt.Errorf(
			"invalid health thresholds: suspect=%d dead=%d rise=%d",
			c.SuspectAfter, c.DeadAfter, c.RiseAfter,
		)
	}
	switch c.MetricsSink {
	case MetricsNone, MetricsPrometheus:
	case MetricsStatsd:
		if c.StatsdAddr == "" {
			return fmt.Errorf("statsd metrics sink requires STATSD_ADDR")
		}
	default:
		return fmt.Errorf("unknown metrics sink %q", c.MetricsSink)
	}
	if len(c.KafkaBrokers) != 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka health source requires HEALTH_KAFKA_TOPIC")
	}
	return nil
}

func LoggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

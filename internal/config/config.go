package config

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the full traffic cop configuration, loaded from defaults, an
// optional yaml file and TRAFFICCOP_* environment overrides
type Config struct {
	Server struct {
		HTTPPort  string `mapstructure:"http_port"`
		AdminPort string `mapstructure:"admin_port"`
	} `mapstructure:"server"`

	RateLimit struct {
		DefaultCapacity int64         `mapstructure:"default_capacity"`
		DefaultWindow   time.Duration `mapstructure:"default_window"`
		IdleTTL         time.Duration `mapstructure:"idle_ttl"`
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
		RefundOnCancel  bool          `mapstructure:"refund_on_cancel"`
	} `mapstructure:"rate_limit"`

	Session struct {
		DefaultTTL    time.Duration `mapstructure:"default_ttl"`
		GracePeriod   time.Duration `mapstructure:"grace_period"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"session"`

	Sync struct {
		Workers      int           `mapstructure:"workers"`
		QueueDepth   int           `mapstructure:"queue_depth"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		RedisAddr    string        `mapstructure:"redis_addr"`
		StateTTL     time.Duration `mapstructure:"state_ttl"`
	} `mapstructure:"sync"`

	Circuit struct {
		MaxFailures int64         `mapstructure:"max_failures"`
		Cooldown    time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"circuit"`

	Health struct {
		ProbeInterval time.Duration `mapstructure:"probe_interval"`
		ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	} `mapstructure:"health"`

	Gateway struct {
		ForwardTimeout   time.Duration `mapstructure:"forward_timeout"`
		CandidateRetries int           `mapstructure:"candidate_retries"`
		DefaultStrategy  string        `mapstructure:"default_strategy"`
	} `mapstructure:"gateway"`

	Analytics struct {
		RingCapacity int      `mapstructure:"ring_capacity"`
		KafkaBrokers []string `mapstructure:"kafka_brokers"`
		KafkaTopic   string   `mapstructure:"kafka_topic"`
	} `mapstructure:"analytics"`
}

// Load reads configuration, tolerating a missing config file
func Load() *Config {
	viper.SetDefault("server.http_port", "8090")
	viper.SetDefault("server.admin_port", "8091")

	viper.SetDefault("rate_limit.default_capacity", 60)
	viper.SetDefault("rate_limit.default_window", time.Minute)
	viper.SetDefault("rate_limit.idle_ttl", 10*time.Minute)
	viper.SetDefault("rate_limit.sweep_interval", time.Minute)
	viper.SetDefault("rate_limit.refund_on_cancel", false)

	viper.SetDefault("session.default_ttl", 30*time.Minute)
	viper.SetDefault("session.grace_period", time.Minute)
	viper.SetDefault("session.sweep_interval", 30*time.Second)

	viper.SetDefault("sync.workers", 4)
	viper.SetDefault("sync.queue_depth", 1024)
	viper.SetDefault("sync.write_timeout", 5*time.Second)
	viper.SetDefault("sync.redis_addr", "localhost:6379")
	viper.SetDefault("sync.state_ttl", 24*time.Hour)

	viper.SetDefault("circuit.max_failures", 5)
	viper.SetDefault("circuit.cooldown", 5*time.Second)

	viper.SetDefault("health.probe_interval", 10*time.Second)
	viper.SetDefault("health.probe_timeout", 2*time.Second)

	viper.SetDefault("gateway.forward_timeout", 5*time.Second)
	viper.SetDefault("gateway.candidate_retries", 3)
	viper.SetDefault("gateway.default_strategy", "round_robin")

	viper.SetDefault("analytics.ring_capacity", 65536)
	viper.SetDefault("analytics.kafka_topic", "traffic-events")

	viper.SetEnvPrefix("TRAFFICCOP")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %v", err)
		}
		log.Info("No config file found, using defaults")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("Failed to unmarshal config: %v", err)
	}

	return &config
}

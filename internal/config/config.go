package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"./data/esxigate.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"./data/esxigate.log"`

	// Admission controller
	MaxConcurrent int           `envconfig:"ESXI_MAX_CONCURRENT" default:"8"`
	MinInterval   time.Duration `envconfig:"ESXI_MIN_INTERVAL" default:"50ms"`

	// Circuit breaker
	FailureThreshold int           `envconfig:"CB_FAILURE_THRESHOLD" default:"5"`
	RecoveryTimeout  time.Duration `envconfig:"CB_RECOVERY_TIMEOUT" default:"30s"`
	SuccessThreshold int           `envconfig:"CB_SUCCESS_THRESHOLD" default:"3"`

	// Connection pool
	PoolSize      int           `envconfig:"ESXI_POOL_SIZE" default:"5"`
	ConnectionTTL time.Duration `envconfig:"ESXI_CONNECTION_TTL" default:"300s"`
	// RequeueStaleHandles preserves the legacy behavior of returning a dead
	// handle to the pool when its replacement connection fails. Off by
	// default: a failed reconnect discards the handle.
	RequeueStaleHandles bool `envconfig:"ESXI_POOL_REQUEUE_STALE" default:"false"`

	// Background refresh
	CycleDelay    time.Duration `envconfig:"REFRESH_CYCLE_DELAY" default:"60s"`
	BatchSize     int           `envconfig:"REFRESH_BATCH_SIZE" default:"2"`
	BatchDelayMin time.Duration `envconfig:"REFRESH_BATCH_DELAY_MIN" default:"500ms"`
	BatchDelayMax time.Duration `envconfig:"REFRESH_BATCH_DELAY_MAX" default:"10s"`

	// Console relay
	SessionTTL time.Duration `envconfig:"CONSOLE_SESSION_TTL" default:"180s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

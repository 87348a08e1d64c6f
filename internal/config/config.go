// Package config loads the single Config struct that drives the core, from
// environment variables with command-line flags overriding them, exactly
// as the teacher's internal/config/config.go does with getEnv/getEnvBool/
// getEnvFloat helpers and flag.*Var calls (§6).
package config

import (
	"flag"
	"os"
	"strconv"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// Config holds every recognized key of §6, with the stated defaults.
type Config struct {
	InitialTrustScore    int
	AttestationInterval  int // seconds
	FlowPollInterval     int // seconds
	AnomalyWindow        int // seconds
	ProfilingDuration    int // seconds
	ProfilingMinPackets  int
	BaselineEMAAlpha     float64
	HoneypotPort         int
	HoneypotLogPath      string
	ThreatTTL            int // seconds
	TrustThresholds      []int
	TrustHysteresis      int
	AlertWindow          int // seconds
	RecoveryWindow       int // seconds
	EventQueueSize       int
	RuleInstallRetries   int
	DBPath               string
	CADir                string

	SwitchAddr    string
	ManagementAddr string
	AdminUsername string
	AdminPassword string
}

// Load parses environment variables, then flags (which win), into a Config.
// It returns ConfigError for any required key left unset, matching §6/§7:
// ConfigError is fatal on startup.
func Load() (*Config, error) {
	cfg := &Config{
		InitialTrustScore:   getEnvInt("INITIAL_TRUST_SCORE", 70),
		AttestationInterval: getEnvInt("ATTESTATION_INTERVAL_S", 300),
		FlowPollInterval:    getEnvInt("FLOW_POLL_INTERVAL_S", 10),
		AnomalyWindow:       getEnvInt("ANOMALY_WINDOW_S", 60),
		ProfilingDuration:   getEnvInt("PROFILING_DURATION_S", 300),
		ProfilingMinPackets: getEnvInt("PROFILING_MIN_PACKETS", 5),
		BaselineEMAAlpha:    getEnvFloat("BASELINE_EMA_ALPHA", 0.1),
		HoneypotPort:        getEnvInt("HONEYPOT_PORT", 0),
		HoneypotLogPath:     getEnv("HONEYPOT_LOG_PATH", ""),
		ThreatTTL:           getEnvInt("THREAT_TTL_S", 86400),
		TrustHysteresis:     getEnvInt("TRUST_HYSTERESIS", 5),
		AlertWindow:         getEnvInt("ALERT_WINDOW_S", 300),
		RecoveryWindow:      getEnvInt("RECOVERY_WINDOW_S", 600),
		EventQueueSize:      getEnvInt("EVENT_QUEUE_SIZE", 1024),
		RuleInstallRetries:  getEnvInt("RULE_INSTALL_RETRIES", 3),
		DBPath:              getEnv("DB_PATH", ""),
		CADir:               getEnv("CA_DIR", ""),
		SwitchAddr:          getEnv("SWITCH_ADDR", "127.0.0.1:7000"),
		ManagementAddr:      getEnv("MANAGEMENT_ADDR", ":8443"),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", ""),
	}
	cfg.TrustThresholds = []int{70, 50, 30}

	flag.IntVar(&cfg.InitialTrustScore, "initial-trust-score", cfg.InitialTrustScore, "initial trust score assigned at onboarding")
	flag.IntVar(&cfg.AttestationInterval, "attestation-interval", cfg.AttestationInterval, "attestation loop interval, in seconds")
	flag.IntVar(&cfg.FlowPollInterval, "flow-poll-interval", cfg.FlowPollInterval, "flow poller interval, in seconds")
	flag.IntVar(&cfg.AnomalyWindow, "anomaly-window", cfg.AnomalyWindow, "anomaly alert suppression window, in seconds")
	flag.IntVar(&cfg.ProfilingDuration, "profiling-duration", cfg.ProfilingDuration, "onboarding profiling window, in seconds")
	flag.IntVar(&cfg.ProfilingMinPackets, "profiling-min-packets", cfg.ProfilingMinPackets, "minimum observed packets before a baseline is non-sparse")
	flag.Float64Var(&cfg.BaselineEMAAlpha, "baseline-ema-alpha", cfg.BaselineEMAAlpha, "EMA smoothing factor for baseline rate updates")
	flag.IntVar(&cfg.HoneypotPort, "honeypot-port", cfg.HoneypotPort, "switch output port the honeypot is attached to")
	flag.StringVar(&cfg.HoneypotLogPath, "honeypot-log-path", cfg.HoneypotLogPath, "path to the honeypot's newline-delimited JSON event log")
	flag.IntVar(&cfg.ThreatTTL, "threat-ttl", cfg.ThreatTTL, "seconds of inactivity before a threat ages out")
	flag.IntVar(&cfg.TrustHysteresis, "trust-hysteresis", cfg.TrustHysteresis, "points above a threshold required for an upward crossing")
	flag.IntVar(&cfg.AlertWindow, "alert-window", cfg.AlertWindow, "window considered for the orchestrator's highest-recent-severity check")
	flag.IntVar(&cfg.RecoveryWindow, "recovery-window", cfg.RecoveryWindow, "alert-free window required to recover to a less-degraded decision")
	flag.IntVar(&cfg.EventQueueSize, "event-queue-size", cfg.EventQueueSize, "per-subscriber event bus queue depth")
	flag.IntVar(&cfg.RuleInstallRetries, "rule-install-retries", cfg.RuleInstallRetries, "switch rule install retry attempts before fail-closed")
	flag.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the identity store's sqlite database file")
	flag.StringVar(&cfg.CADir, "ca-dir", cfg.CADir, "directory holding the root CA and issued leaf certificates")
	flag.StringVar(&cfg.SwitchAddr, "switch-addr", cfg.SwitchAddr, "address of the switch-control gRPC agent")
	flag.StringVar(&cfg.ManagementAddr, "management-addr", cfg.ManagementAddr, "listen address for the management API")
	flag.StringVar(&cfg.AdminUsername, "admin-username", cfg.AdminUsername, "bootstrap administrator username for the management API")
	flag.StringVar(&cfg.AdminPassword, "admin-password", cfg.AdminPassword, "bootstrap administrator password for the management API")
	flag.Parse()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return &domain.ConfigError{Key: "db_path", Reason: "required"}
	}
	if c.CADir == "" {
		return &domain.ConfigError{Key: "ca_dir", Reason: "required"}
	}
	if c.HoneypotLogPath == "" {
		return &domain.ConfigError{Key: "honeypot_log_path", Reason: "required"}
	}
	if c.HoneypotPort == 0 {
		return &domain.ConfigError{Key: "honeypot_port", Reason: "required if redirect used"}
	}
	if c.AdminPassword == "" {
		return &domain.ConfigError{Key: "admin_password", Reason: "required"}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv("POLICYCORE_" + key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv("POLICYCORE_" + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv("POLICYCORE_" + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

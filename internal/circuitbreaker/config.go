package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// SinkConfig returns breaker settings for an event sink, read from
// CB_<PREFIX>_* environment variables.
func SinkConfig(prefix string) Config {
	return Config{
		MaxRequests:      getEnvUint32("CB_"+prefix+"_MAX_REQUESTS", 1),
		Interval:         getEnvDuration("CB_"+prefix+"_INTERVAL", 30*time.Second),
		OpenTimeout:      getEnvDuration("CB_"+prefix+"_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_"+prefix+"_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_"+prefix+"_SUCCESS_THRESHOLD", 1),
	}
}

// AgentConfig returns the breaker settings for one pooled agent.
func AgentConfig(failureThreshold int, recoveryAfter time.Duration) Config {
	cfg := DefaultConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = uint32(failureThreshold)
	}
	if recoveryAfter > 0 {
		cfg.OpenTimeout = recoveryAfter
	}
	return cfg
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

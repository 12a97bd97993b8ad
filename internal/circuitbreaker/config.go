package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings are the env-tunable knobs of one breaker
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

var defaults = map[string]Settings{
	"redis": {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	"http":  {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
}

// SettingsFromEnv reads CB_<KIND>_* variables (for example CB_REDIS_TIMEOUT=20s)
// on top of the defaults for kind.
func SettingsFromEnv(kind string) Settings {
	s, ok := defaults[kind]
	if !ok {
		d := DefaultConfig()
		s = Settings{MaxRequests: d.MaxRequests, Interval: d.Interval, Timeout: d.Timeout,
			FailureThreshold: d.FailureThreshold, SuccessThreshold: d.SuccessThreshold}
	}
	prefix := "CB_" + strings.ToUpper(kind) + "_"
	s.MaxRequests = getEnvUint32(prefix+"MAX_REQUESTS", s.MaxRequests)
	s.Interval = getEnvDuration(prefix+"INTERVAL", s.Interval)
	s.Timeout = getEnvDuration(prefix+"TIMEOUT", s.Timeout)
	s.FailureThreshold = getEnvUint32(prefix+"FAILURE_THRESHOLD", s.FailureThreshold)
	s.SuccessThreshold = getEnvUint32(prefix+"SUCCESS_THRESHOLD", s.SuccessThreshold)
	return s
}

// ToConfig converts Settings to a breaker Config
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
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

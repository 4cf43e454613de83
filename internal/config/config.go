package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Environment string
	Backend     BackendConfig
	Session     SessionConfig
	Channel     ChannelConfig
	Tracking    TrackingConfig
}

type BackendConfig struct {
	BaseURL   string
	SocketURL string
	Timeout   time.Duration
}

type SessionConfig struct {
	// StatePath is the file holding the persisted session material. It is
	// the sole input to Authenticator.Restore.
	StatePath string
}

type ChannelConfig struct {
	// MaxRetries bounds reconnect attempts before the channel reports
	// itself failed and waits for a manual connect.
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration
	// SubscriberBuffer is the per-subscriber event channel capacity.
	SubscriberBuffer int
}

type TrackingConfig struct {
	LocationPollInterval  time.Duration
	EmergencyPollInterval time.Duration
	// StaleAfter evicts a subject from the active projection when no update
	// arrived for this long.
	StaleAfter time.Duration
	// EmergencyPageLimit is the page size used when polling the emergency
	// list.
	EmergencyPageLimit int
	// AllowResolveFromPending permits resolving an emergency straight from
	// pending, skipping acknowledge. Off by default.
	AllowResolveFromPending bool
}

func NewConfig() *Config {
	return &Config{
		Environment: getEnv("FLEETTRACK_ENVIRONMENT", "development"),
		Backend: BackendConfig{
			BaseURL:   getEnv("FLEETTRACK_API_URL", "http://localhost:5000/api"),
			SocketURL: getEnv("FLEETTRACK_SOCKET_URL", "ws://localhost:5000/ws"),
			Timeout:   getEnvDuration("FLEETTRACK_API_TIMEOUT", 15*time.Second),
		},
		Session: SessionConfig{
			StatePath: getEnv("FLEETTRACK_SESSION_PATH", "fleettrack-session.json"),
		},
		Channel: ChannelConfig{
			MaxRetries:       getEnvInt("FLEETTRACK_CHANNEL_MAX_RETRIES", 5),
			InitialBackoff:   getEnvDuration("FLEETTRACK_CHANNEL_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:       getEnvDuration("FLEETTRACK_CHANNEL_MAX_BACKOFF", 30*time.Second),
			HandshakeTimeout: getEnvDuration("FLEETTRACK_CHANNEL_HANDSHAKE_TIMEOUT", 10*time.Second),
			SubscriberBuffer: getEnvInt("FLEETTRACK_CHANNEL_SUBSCRIBER_BUFFER", 64),
		},
		Tracking: TrackingConfig{
			LocationPollInterval:    getEnvDuration("FLEETTRACK_LOCATION_POLL_INTERVAL", 10*time.Second),
			EmergencyPollInterval:   getEnvDuration("FLEETTRACK_EMERGENCY_POLL_INTERVAL", 15*time.Second),
			StaleAfter:              getEnvDuration("FLEETTRACK_LOCATION_STALE_AFTER", 5*time.Minute),
			EmergencyPageLimit:      getEnvInt("FLEETTRACK_EMERGENCY_PAGE_LIMIT", 50),
			AllowResolveFromPending: getEnvBool("FLEETTRACK_ALLOW_RESOLVE_FROM_PENDING", false),
		},
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}

package config

import "time"

// Default configuration values.
const (
	DefaultAddr        = "127.0.0.1:6121"
	DefaultMetricsAddr = "127.0.0.1:6181"

	DefaultHelloTimeout     = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultSearchRatePerSec = 20.0

	DefaultDataDir    = "/var/lib/partymesh/data"
	DefaultGCInterval = 10 * time.Minute

	DefaultGracePeriod        = 120 * time.Second
	DefaultExpShareLevelRange = 15
	DefaultInviteTTL          = 60 * time.Second

	DefaultBookingMode   = "jobs"
	DefaultBookingTTL    = 600 * time.Second
	DefaultBookingSweep  = 60 * time.Second
	DefaultBookingLevels = 15

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			Addr:             DefaultAddr,
			HelloTimeout:     DefaultHelloTimeout,
			WriteTimeout:     DefaultWriteTimeout,
			SearchRatePerSec: DefaultSearchRatePerSec,
		},
		Storage: StorageSection{
			DataDir:    DefaultDataDir,
			GCInterval: DefaultGCInterval,
		},
		Party: PartySection{
			GracePeriod:        DefaultGracePeriod,
			ExpShareLevelRange: DefaultExpShareLevelRange,
			InviteTTL:          DefaultInviteTTL,
		},
		Booking: BookingSection{
			Mode:          DefaultBookingMode,
			TTL:           DefaultBookingTTL,
			SweepInterval: DefaultBookingSweep,
			LevelRange:    DefaultBookingLevels,
		},
		Metrics: MetricsSection{
			Enabled: false,
			Addr:    DefaultMetricsAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Package config defines the directory server configuration.
package config

import "time"

// ServerConfig is the root configuration for partymesh-server.
type ServerConfig struct {
	Server  ServerSection  `koanf:"server"`
	Storage StorageSection `koanf:"storage"`
	Party   PartySection   `koanf:"party"`
	Booking BookingSection `koanf:"booking"`
	Metrics MetricsSection `koanf:"metrics"`
	Log     LogSection     `koanf:"log"`
}

// ServerSection configures the directory's listener.
type ServerSection struct {
	// Addr is the TCP bind address world processes connect to.
	Addr string `koanf:"addr"`

	// HelloTimeout bounds how long a fresh connection may sit without
	// completing the handshake.
	HelloTimeout time.Duration `koanf:"hello_timeout"`

	// WriteTimeout bounds a single frame write to a world.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// SearchRatePerSec rate-limits booking searches per world connection.
	// Burst rides at twice the rate.
	SearchRatePerSec float64 `koanf:"search_rate_per_sec"`
}

// StorageSection configures party persistence.
type StorageSection struct {
	DataDir    string `koanf:"data_dir"`
	SyncWrites bool   `koanf:"sync_writes"`

	// Passphrase enables at-rest record encryption when non-empty.
	Passphrase string `koanf:"passphrase"`

	GCInterval time.Duration `koanf:"gc_interval"`
}

// PartySection configures group semantics.
type PartySection struct {
	// GracePeriod is how long a disconnected world's members stay grouped.
	GracePeriod time.Duration `koanf:"grace_period"`

	// ExpShareLevelRange is the maximum member level spread that still
	// allows even experience sharing.
	ExpShareLevelRange uint16 `koanf:"exp_share_level_range"`

	// InviteTTL is how long an invitation stays answerable.
	InviteTTL time.Duration `koanf:"invite_ttl"`
}

// BookingSection configures the recruitment board.
type BookingSection struct {
	// Mode selects the criteria shape: "jobs" or "notice".
	Mode string `koanf:"mode"`

	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// LevelRange is the matching band around an ad's requested level.
	LevelRange uint16 `koanf:"level_range"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

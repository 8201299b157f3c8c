package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	if err := verifyServer(&cfg.Server); err != nil {
		return err
	}
	if err := verifyStorage(&cfg.Storage); err != nil {
		return err
	}
	if err := verifyBooking(&cfg.Booking); err != nil {
		return err
	}
	return nil
}

func verifyServer(cfg *ServerSection) error {
	if cfg.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.SearchRatePerSec < 0 {
		return errors.New("server.search_rate_per_sec must not be negative")
	}
	return nil
}

// verifyStorage prepares the data directory. An empty data_dir selects the
// volatile in-memory store.
func verifyStorage(cfg *StorageSection) error {
	if cfg.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("cannot create data directory: %w", err)
	}
	return nil
}

func verifyBooking(cfg *BookingSection) error {
	if _, err := ParseBookingMode(cfg.Mode); err != nil {
		return err
	}
	if cfg.TTL <= 0 {
		return errors.New("booking.ttl must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("booking.sweep_interval must be positive")
	}
	return nil
}

// ParseBookingMode maps the config string to a domain mode.
func ParseBookingMode(s string) (domain.BookingMode, error) {
	switch s {
	case "jobs", "":
		return domain.BookingModeJobs, nil
	case "notice":
		return domain.BookingModeNotice, nil
	default:
		return 0, fmt.Errorf("booking.mode must be \"jobs\" or \"notice\", got %q", s)
	}
}

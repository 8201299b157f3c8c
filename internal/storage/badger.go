package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// keyPrefix namespaces party records so future record kinds can share the DB.
var keyPrefix = []byte("party:")

const saltFile = "record.salt"

// BadgerConfig tunes the embedded Badger database.
type BadgerConfig struct {
	Dir         string
	SyncWrites  bool
	GCInterval  time.Duration
	GCThreshold float64

	// Passphrase enables at-rest encryption of party records when non-empty.
	Passphrase string
}

// BadgerStore implements PartyStore on Badger v3.
type BadgerStore struct {
	db     *badger.DB
	cipher *Cipher
	cfg    BadgerConfig
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBadgerStore opens (or creates) the party database under cfg.Dir.
func NewBadgerStore(cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}
	if cfg.GCThreshold <= 0 {
		cfg.GCThreshold = 0.5
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	var cipher *Cipher
	if cfg.Passphrase != "" {
		salt, err := loadOrCreateSalt(filepath.Join(cfg.Dir, saltFile))
		if err != nil {
			db.Close()
			return nil, err
		}
		cipher, err = NewCipherFromPassphrase(cfg.Passphrase, salt)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &BadgerStore{
		db:     db,
		cipher: cipher,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.gcLoop()

	logger.Info("party store opened",
		"dir", cfg.Dir,
		"encrypted", cipher != nil,
		"gc_interval", cfg.GCInterval)

	return s, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) > 0 {
		return salt, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("badger: read salt: %w", err)
	}
	salt, err = NewSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("badger: write salt: %w", err)
	}
	return salt, nil
}

func partyKey(id domain.PartyID) []byte {
	key := make([]byte, len(keyPrefix)+4)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint32(key[len(keyPrefix):], uint32(id))
	return key
}

// Load retrieves a persisted party.
func (s *BadgerStore) Load(ctx context.Context, id domain.PartyID) (*domain.Party, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(partyKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.decode(raw)
}

// Save persists a party record, replacing any previous revision.
func (s *BadgerStore) Save(ctx context.Context, p *domain.Party) error {
	raw, err := s.encode(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(partyKey(p.ID), raw)
	})
}

// Delete removes a party record. Deleting an absent party is not an error.
func (s *BadgerStore) Delete(ctx context.Context, id domain.PartyID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(partyKey(id))
	})
}

// LoadAll scans every persisted party, for startup recovery.
func (s *BadgerStore) LoadAll(ctx context.Context) ([]*domain.Party, error) {
	var parties []*domain.Party
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := s.decode(raw)
			if err != nil {
				return err
			}
			parties = append(parties, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parties, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	close(s.stopCh)
	<-s.doneCh

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("badger: close db: %w", err)
	}
	s.logger.Info("party store closed")
	return nil
}

func (s *BadgerStore) encode(p *domain.Party) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("badger: encode party %d: %w", p.ID, err)
	}
	return s.cipher.Seal(raw)
}

func (s *BadgerStore) decode(raw []byte) (*domain.Party, error) {
	raw, err := s.cipher.Open(raw)
	if err != nil {
		return nil, err
	}
	var p domain.Party
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("badger: decode party: %w", err)
	}
	p.RecomputeFlags()
	return &p, nil
}

// gcLoop periodically reclaims value-log space.
func (s *BadgerStore) gcLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(s.cfg.GCThreshold)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Warn("badger gc failed", "error", err)
					}
					break
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// badgerLogger adapts Badger's logger interface to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

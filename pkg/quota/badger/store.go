package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/dittosdb/pkg/quota"
)

// UsageStore is a quota.UsageStore backed by BadgerDB.
//
// Keys have the form "usage:<persistence>:<origin>" and values are the
// JSON-encoded quota.OriginUsage. The persistence segment never contains a
// colon, so cutting at the first colon after the prefix recovers the origin
// even when the origin itself contains colons.
type UsageStore struct {
	db *badger.DB
}

// Config configures a BadgerDB usage store.
type Config struct {
	// DBPath is the directory BadgerDB stores its files in.
	DBPath string `mapstructure:"db_path"`

	// InMemory runs BadgerDB without touching disk. DBPath is ignored.
	InMemory bool `mapstructure:"in_memory"`
}

const keyPrefix = "usage:"

// NewUsageStore opens (or creates) the database at cfg.DBPath.
func NewUsageStore(ctx context.Context, cfg Config) (*UsageStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.DBPath)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	return &UsageStore{db: db}, nil
}

func keyUsage(origin quota.OriginMetadata) []byte {
	return []byte(keyPrefix + origin.Persistence.String() + ":" + origin.Origin)
}

func (s *UsageStore) Put(ctx context.Context, entry quota.OriginUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyUsage(entry.Origin), value)
	})
}

func (s *UsageStore) Get(ctx context.Context, origin quota.OriginMetadata) (quota.OriginUsage, error) {
	if err := ctx.Err(); err != nil {
		return quota.OriginUsage{}, err
	}

	var entry quota.OriginUsage
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyUsage(origin))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return quota.OriginUsage{}, quota.ErrUsageNotFound
	}
	if err != nil {
		return quota.OriginUsage{}, fmt.Errorf("failed to read usage for %s: %w", origin, err)
	}
	return entry, nil
}

func (s *UsageStore) Delete(ctx context.Context, origin quota.OriginMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyUsage(origin))
	})
}

// List scans every usage entry in key order.
func (s *UsageStore) List(ctx context.Context) ([]quota.OriginUsage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []quota.OriginUsage
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			origin, err := parseKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}

			var entry quota.OriginUsage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
			entry.Origin = origin
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *UsageStore) Close() error {
	return s.db.Close()
}

// parseKey splits a usage key back into its origin metadata.
func parseKey(key []byte) (quota.OriginMetadata, error) {
	rest, ok := strings.CutPrefix(string(key), keyPrefix)
	if !ok {
		return quota.OriginMetadata{}, fmt.Errorf("not a usage key: %q", key)
	}
	persistence, origin, ok := strings.Cut(rest, ":")
	if !ok {
		return quota.OriginMetadata{}, fmt.Errorf("malformed usage key: %q", key)
	}
	p, err := quota.ParsePersistenceType(persistence)
	if err != nil {
		return quota.OriginMetadata{}, err
	}
	return quota.OriginMetadata{Origin: origin, Persistence: p}, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/devghori1264/mcpanel/internal/models"
	badger "github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound = errors.New("not found")
)

// MachineStore persists simulator machines (kept minimal, allows swapping implementations).
type MachineStore interface {
	SaveMachine(ctx context.Context, m *models.Machine) error
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	FindMachineByToken(ctx context.Context, token string) (*models.Machine, error)
	DeleteMachine(ctx context.Context, id string) error
	ListMachines(ctx context.Context) ([]*models.Machine, error)
	Close() error
}

// BadgerStore implements MachineStore and LifecycleStore with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	return open(opts)
}

// NewMemoryStore opens a Badger database that lives only in memory.
func NewMemoryStore() (*BadgerStore, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*BadgerStore, error) {
	opts.Logger = nil                         // badger logs are noise next to zap output
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

const machinePrefix = "machine:"

func machineKey(id string) []byte {
	return []byte(machinePrefix + id)
}

func machineTokenKey(token string) []byte {
	return []byte("machine-token:" + token)
}

func (s *BadgerStore) SaveMachine(ctx context.Context, m *models.Machine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := txn.Set(machineKey(m.ID), data); err != nil {
			return err
		}
		if m.RequestToken == "" {
			return nil
		}
		return txn.Set(machineTokenKey(m.RequestToken), []byte(m.ID))
	})
}

func (s *BadgerStore) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := getMachine(txn, id)
		out = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) FindMachineByToken(ctx context.Context, token string) (*models.Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(machineTokenKey(token))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = getMachine(txn, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) DeleteMachine(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		m, err := getMachine(txn, id)
		if err != nil {
			return err
		}
		if m.RequestToken != "" {
			if err := txn.Delete(machineTokenKey(m.RequestToken)); err != nil {
				return err
			}
		}
		return txn.Delete(machineKey(id))
	})
}

func (s *BadgerStore) ListMachines(ctx context.Context) ([]*models.Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(machinePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !strings.HasPrefix(string(item.Key()), machinePrefix) {
				continue
			}
			var m models.Machine
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func getMachine(txn *badger.Txn, id string) (*models.Machine, error) {
	var out models.Machine
	item, err := txn.Get(machineKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

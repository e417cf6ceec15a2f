package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/danl5/goha/pkg/model"
)

// sequence lease size for append keys
const sequenceBandwidth = 64

// BadgerOptions configures the embedded badger store.
type BadgerOptions struct {
	// Dir is the data directory, ignored when InMemory is set
	Dir string
	// InMemory keeps all data in memory
	InMemory bool
	Logger   *slog.Logger
}

// NewBadger opens an embedded badger store.
// It is durable but only shared between coordinators on the same host.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badger store requires a data directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger store")

	bopts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(&badgerLogger{logger: logger})
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{
		db:     db,
		logger: logger,
		seqs:   make(map[string]*badger.Sequence),
	}, nil
}

// Badger is a store backed by an embedded badger database.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, nil
}

func (b *Badger) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

func (b *Badger) Append(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq, err := b.sequence(key)
	if err != nil {
		return err
	}
	n, err := seq.Next()
	if err != nil {
		return fmt.Errorf("badger next sequence %s: %w", key, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(logKey(key, n)), value)
	})
	if err != nil {
		return fmt.Errorf("badger append %s: %w", key, err)
	}
	return nil
}

func (b *Badger) Range(ctx context.Context, key string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records [][]byte
	prefix := []byte(logPrefix(key))
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			records = append(records, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger range %s: %w", key, err)
	}
	return records, nil
}

func (b *Badger) Ping(_ context.Context) error {
	if b.db.IsClosed() {
		return model.ErrClosed
	}
	return nil
}

func (b *Badger) Close() error {
	b.mu.Lock()
	for key, seq := range b.seqs {
		if err := seq.Release(); err != nil {
			b.logger.Warn("failed to release sequence", "key", key, "error", err.Error())
		}
	}
	b.seqs = map[string]*badger.Sequence{}
	b.mu.Unlock()
	return b.db.Close()
}

func (b *Badger) sequence(key string) (*badger.Sequence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq, ok := b.seqs[key]; ok {
		return seq, nil
	}
	seq, err := b.db.GetSequence([]byte("seq:"+key), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("badger sequence %s: %w", key, err)
	}
	b.seqs[key] = seq
	return seq, nil
}

// badgerLogger forwards badger logs to slog
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var _ model.Store = (*Badger)(nil)

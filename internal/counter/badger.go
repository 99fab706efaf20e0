package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const badgerPrefix = "counter:key:"

// Badger is an embedded single-node [Store]. Counters are msgpack-encoded
// under counter:key:<sha256>.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures [OpenBadger].
type BadgerOptions struct {
	// Dir holds the data files. Required unless InMemory.
	Dir string

	// InMemory keeps everything in RAM.
	InMemory bool

	// Logger receives badger's warnings and errors. Defaults to slog.Default.
	Logger *slog.Logger
}

// OpenBadger opens or creates the database.
func OpenBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("counter: badger dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{l})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("counter: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

// Put stores c under apiKey.
func (b *Badger) Put(_ context.Context, apiKey string, c Counter) error {
	val, err := msgpack.Marshal(c)
	if err != nil {
		return fmt.Errorf("counter: encode %s: %w", c.ID, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPrefix+HashKey(apiKey)), val)
	})
	if err != nil {
		return fmt.Errorf("counter: put %s: %w", c.ID, err)
	}
	return nil
}

// Authenticate implements [Store].
func (b *Badger) Authenticate(_ context.Context, apiKey string) (Counter, error) {
	if apiKey == "" {
		return Counter{}, ErrNotFound
	}
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPrefix + HashKey(apiKey)))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Counter{}, ErrNotFound
	}
	if err != nil {
		return Counter{}, fmt.Errorf("counter: authenticate: %w", err)
	}

	var c Counter
	if err := msgpack.Unmarshal(val, &c); err != nil {
		return Counter{}, fmt.Errorf("counter: decode: %w", err)
	}
	if c.Disabled {
		return Counter{}, ErrNotFound
	}
	return c, nil
}

// Ping reports an error once the database is closed.
func (b *Badger) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("counter: badger closed")
	}
	return nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger forwards badger's log lines to slog, dropping info and debug.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, v ...any)   { b.l.Error(fmt.Sprintf("badger: "+f, v...)) }
func (b badgerLogger) Warningf(f string, v ...any) { b.l.Warn(fmt.Sprintf("badger: "+f, v...)) }
func (badgerLogger) Infof(string, ...any)          {}
func (badgerLogger) Debugf(string, ...any)         {}

var (
	_ Store  = (*Badger)(nil)
	_ Writer = (*Badger)(nil)
)

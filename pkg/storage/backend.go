package storage

import (
	"errors"
	"fmt"
)

// ErrUnknownBackend is returned by Open for an unrecognized backend kind.
var ErrUnknownBackend = errors.New("storage: unknown backend")

// Backend persists named blobs. Queues and plain blobs share the same namespace.
//
// A name that was never saved loads as (nil, nil) and has size 0. The Store
// serializes Load and Save; Size may run concurrently with them.
type Backend interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
	Size(name string) (int64, error)
	Close() error
}

// Backend kinds accepted by Open.
const (
	KindFile   = "file"
	KindRedis  = "redis"
	KindBadger = "badger"
)

// Options selects and configures a backend.
type Options struct {
	Kind string

	// Dir is the storage directory for the file and badger backends.
	// An empty Dir opens badger in memory.
	Dir string

	// Prefix namespaces every blob name. Defaults to "mp".
	Prefix string

	// RedisAddr is the "host:port" of the redis backend.
	RedisAddr string
}

// DefaultPrefix is prepended to every blob name.
const DefaultPrefix = "mp"

// Open creates the backend described by opts.
func Open(opts Options) (Backend, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	switch opts.Kind {
	case "", KindFile:
		return NewFileBackend(opts.Dir, opts.Prefix)
	case KindRedis:
		return NewRedisBackend(opts.RedisAddr, opts.Prefix), nil
	case KindBadger:
		return NewBadgerBackend(opts.Dir, opts.Prefix)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Kind)
}

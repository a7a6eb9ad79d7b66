package configstore

import (
	"context"
	"errors"
)

// ErrWatchUnsupported is returned by stores that cannot report changes.
var ErrWatchUnsupported = errors.New("store does not support watching")

type ConfigStore interface {
	Load(ctx context.Context, out any) error
	Save(ctx context.Context, data any) error
}

// Watcher is implemented by stores that can report changes.
type Watcher interface {
	// Watch calls onChange after each change until ctx is done.
	Watch(ctx context.Context, onChange func()) error
}

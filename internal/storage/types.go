package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Package distribution publishes and fetches content-addressed blobs —
// the serialized revocation list — through interchangeable channels: an
// in-process store for tests and an HTTP gateway client with mirror
// fallback for deployments.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const handlePrefix = "mc1"

var (
	ErrNotFound        = errors.New("content not found")
	ErrIntegrity       = errors.New("fetched content does not match its handle")
	ErrInvalidHandle   = errors.New("invalid content handle")
	ErrChannelRequired = errors.New("channel name is required")
)

// Store is the content-addressed publish/fetch port. Publish returns the
// handle (content hash) of the stored bytes; Fetch is the inverse and
// must verify the bytes against the handle before returning them.
type Store interface {
	Publish(ctx context.Context, channel string, data []byte) (string, error)
	Fetch(ctx context.Context, handle string) ([]byte, error)
	Latest(ctx context.Context, channel string) (string, error)
}

// Handle derives the content handle for a blob: blake2b-256, base58,
// "mc1" prefix.
func Handle(data []byte) string {
	sum := blake2b.Sum256(data)
	return handlePrefix + base58.Encode(sum[:])
}

// VerifyHandle checks blob integrity against its handle.
func VerifyHandle(handle string, data []byte) error {
	if len(handle) <= len(handlePrefix) || handle[:len(handlePrefix)] != handlePrefix {
		return fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	if Handle(data) != handle {
		return ErrIntegrity
	}
	return nil
}

// Memory is the in-process Store used by tests and the provisioning CLI.
type Memory struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	latest map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		blobs:  make(map[string][]byte),
		latest: make(map[string]string),
	}
}

func (m *Memory) Publish(_ context.Context, channel string, data []byte) (string, error) {
	if channel == "" {
		return "", ErrChannelRequired
	}
	handle := Handle(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[handle] = append([]byte(nil), data...)
	m.latest[channel] = handle
	return handle, nil
}

func (m *Memory) Fetch(_ context.Context, handle string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := VerifyHandle(handle, data); err != nil {
		return nil, err
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Latest(_ context.Context, channel string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.latest[channel]
	if !ok {
		return "", ErrNotFound
	}
	return handle, nil
}

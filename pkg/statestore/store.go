// Package statestore holds the small amount of state that must survive a
// restart: the last success date and the last computed on/off times.
package statestore

import (
	"context"
	"errors"
	"sync"

	"github.com/beeper/astrorelay/pkg/shellyrpc"
)

// Store is a string key-value store. Get reports ok=false for an absent key.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}

// DeviceKVS keeps state in the device's own key-value store. Writes go through
// the RPC queue without waiting, so they land in submission order with the
// rest of the run's mutations.
type DeviceKVS struct {
	kvs *shellyrpc.KVS
}

func NewDeviceKVS(kvs *shellyrpc.KVS) *DeviceKVS {
	return &DeviceKVS{kvs: kvs}
}

func (d *DeviceKVS) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := d.kvs.Get(ctx, key)
	if errors.Is(err, shellyrpc.ErrKeyNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (d *DeviceKVS) Set(_ context.Context, key, value string) error {
	d.kvs.Set(key, value)
	return nil
}

// Memory is a map-backed Store for dry runs and tests.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

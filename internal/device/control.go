package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
)

var (
	// ErrUploadUnsupported is returned for parameter kinds that may not be written to the device.
	ErrUploadUnsupported = errors.New("upload is unsupported for this parameter kind")
	// ErrNotConnected is returned for channels that are not connected.
	ErrNotConnected = errors.New("channel not connected")
	// ErrNoLimits is returned when a channel does not report drive limits.
	ErrNoLimits = errors.New("channel has no control limits")
)

// ControlLayer is the device control system: named channels that can be read and written.
type ControlLayer interface {
	Connected(channel string) bool
	Get(ctx context.Context, channel string) (float64, error)
	ControlLimits(ctx context.Context, channel string) ([2]float64, error)
	Put(ctx context.Context, channel string, value float64) error
}

// MemoryControlLayer is an in-process control system. Channels exist once set.
type MemoryControlLayer struct {
	mu           sync.RWMutex
	values       map[string]float64
	limits       map[string][2]float64
	disconnected map[string]bool
	failures     map[string]int
	puts         int
}

func NewMemoryControlLayer() *MemoryControlLayer {
	return &MemoryControlLayer{
		values:       make(map[string]float64),
		limits:       make(map[string][2]float64),
		disconnected: make(map[string]bool),
		failures:     make(map[string]int),
	}
}

// Set creates or updates a channel value
func (m *MemoryControlLayer) Set(channel string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[channel] = value
}

func (m *MemoryControlLayer) SetLimits(channel string, lower, upper float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[channel] = [2]float64{lower, upper}
}

// Disconnect makes the channel unreachable until Reconnect
func (m *MemoryControlLayer) Disconnect(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected[channel] = true
}

func (m *MemoryControlLayer) Reconnect(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.disconnected, channel)
}

// FailNextPuts makes the next n writes to channel fail
func (m *MemoryControlLayer) FailNextPuts(channel string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[channel] = n
}

// Value returns the channel value and whether the channel exists
func (m *MemoryControlLayer) Value(channel string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[channel]
	return v, ok
}

// PutCount is the number of write attempts, failed ones included
func (m *MemoryControlLayer) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

func (m *MemoryControlLayer) Connected(channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[channel]
	return ok && !m.disconnected[channel]
}

func (m *MemoryControlLayer) Get(ctx context.Context, channel string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !m.Connected(channel) {
		return 0, fmt.Errorf("get %s: %w", channel, ErrNotConnected)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[channel], nil
}

func (m *MemoryControlLayer) ControlLimits(ctx context.Context, channel string) ([2]float64, error) {
	if err := ctx.Err(); err != nil {
		return [2]float64{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[channel]
	if !ok {
		return [2]float64{}, fmt.Errorf("limits %s: %w", channel, ErrNoLimits)
	}
	return l, nil
}

func (m *MemoryControlLayer) Put(ctx context.Context, channel string, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if _, ok := m.values[channel]; !ok || m.disconnected[channel] {
		return fmt.Errorf("put %s: %w", channel, ErrNotConnected)
	}
	if m.failures[channel] > 0 {
		m.failures[channel]--
		return fmt.Errorf("put %s: request rejected", channel)
	}
	m.values[channel] = value
	return nil
}

// Refresh pulls control values, control limits and readbacks for every live
// parameter of the store. Disconnected channels are flagged, not errors.
func Refresh(ctx context.Context, layer ControlLayer, store *params.Store) error {
	var errs []error
	for _, p := range store.LiveParameters() {
		node, adaptor := p.Node(), p.Adaptor()

		control := adaptor.ControlChannel(node)
		connected := layer.Connected(control)
		p.SetControlConnected(connected)
		if connected {
			v, err := layer.Get(ctx, control)
			if err != nil {
				errs = append(errs, err)
			} else {
				p.UpdateControlValue(v)
			}
			limits, err := layer.ControlLimits(ctx, control)
			switch {
			case err == nil:
				p.UpdateControlLimits(limits[0], limits[1])
			case !errors.Is(err, ErrNoLimits):
				errs = append(errs, err)
			}
		}

		readback := adaptor.ReadbackChannel(node)
		connected = layer.Connected(readback)
		p.SetReadbackConnected(connected)
		if connected {
			v, err := layer.Get(ctx, readback)
			if err != nil {
				errs = append(errs, err)
			} else {
				p.UpdateReadbackValue(v)
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

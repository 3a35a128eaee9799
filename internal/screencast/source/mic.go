package source

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/screencast/internal/screencast/core"
	"github.com/babelcloud/gbox/packages/screencast/internal/util"
	"github.com/gen2brain/malgo"
	"github.com/pkg/errors"
)

const (
	micReadTimeout = 20 * time.Millisecond
	micQueueDepth  = 64
)

// Microphone reads s16le PCM from the default capture device.
type Microphone struct {
	logger *slog.Logger

	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	samples chan []byte
	pending []byte
	dropped int

	closeOnce sync.Once
}

func NewMicrophone() *Microphone {
	return &Microphone{
		logger: util.GetLogger().With("component", "audio-input", "source", "mic"),
	}
}

// Open initialises the audio backend and starts the capture device.
func (m *Microphone) Open(format core.AudioFormat) error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		m.logger.Debug("malgo", "message", msg)
	})
	if err != nil {
		return errors.Wrap(err, "init audio context")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	samples := make(chan []byte, micQueueDepth)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			if len(pInput) == 0 {
				return
			}
			chunk := make([]byte, len(pInput))
			copy(chunk, pInput)
			select {
			case samples <- chunk:
			default:
				m.mu.Lock()
				m.dropped++
				m.mu.Unlock()
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return errors.Wrap(err, "init capture device")
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return errors.Wrap(err, "start capture device")
	}

	m.mu.Lock()
	m.ctx = ctx
	m.device = device
	m.samples = samples
	m.mu.Unlock()

	m.logger.Info("Microphone opened",
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"buffer_size", format.BufferSize)
	return nil
}

// Read copies buffered PCM into buf. It returns 0 if nothing arrives within
// a short timeout.
func (m *Microphone) Read(buf []byte) (int, error) {
	m.mu.Lock()
	samples := m.samples
	if len(m.pending) > 0 {
		n := copy(buf, m.pending)
		m.pending = m.pending[n:]
		m.mu.Unlock()
		return n, nil
	}
	m.mu.Unlock()

	if samples == nil {
		return 0, io.EOF
	}

	timer := time.NewTimer(micReadTimeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-samples:
		if !ok {
			return 0, io.EOF
		}
		n := copy(buf, chunk)
		if n < len(chunk) {
			m.mu.Lock()
			m.pending = append(m.pending[:0], chunk[n:]...)
			m.mu.Unlock()
		}
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

// Close stops the device and frees the backend. Pending reads see io.EOF.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		device, ctx, samples, dropped := m.device, m.ctx, m.samples, m.dropped
		m.device, m.ctx = nil, nil
		m.mu.Unlock()

		if device != nil {
			device.Uninit()
		}
		if ctx != nil {
			_ = ctx.Uninit()
			ctx.Free()
		}
		if samples != nil {
			close(samples)
		}
		m.logger.Info("Microphone closed", "dropped_chunks", dropped)
	})
	return nil
}

// Package capture owns the microphone input device. It converts the live
// stream to 16 kHz mono 16-bit PCM and delivers one base64-encoded chunk
// per input frame, in arrival order, to a caller-supplied callback.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"

	"github.com/greengrow/cct/pkg/errorsx"
	"github.com/greengrow/cct/pkg/logging"
	"github.com/greengrow/cct/pkg/pcm"
)

const (
	// TargetRate is the sample rate of every chunk delivered to the
	// callback, regardless of the device's native rate.
	TargetRate = 16000

	defaultFramesPerBuffer = 4096
)

// Source abstracts the input device. Open acquires it exclusively,
// ReadFrame blocks for the next frame of float samples at the native rate,
// Close releases the device and unblocks a pending ReadFrame.
type Source interface {
	Open() error
	SampleRate() int
	ReadFrame() ([]float32, error)
	Close() error
}

// Config configures a Capture.
type Config struct {
	// OnChunk receives each base64-encoded 16 kHz PCM chunk synchronously,
	// one call per input frame. Callback bodies must stay short; they run
	// on the capture goroutine.
	OnChunk func(b64 string)

	// Source overrides the default portaudio-backed device.
	Source Source

	FramesPerBuffer int
	Logger          *slog.Logger
}

// Capture is the stateful microphone pipeline. At most one Source is open
// at a time.
type Capture struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	active   bool
	src      Source
	loopDone chan struct{}
	loopGID  uint64
}

func New(cfg Config) *Capture {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Capture{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "capture"),
	}
}

// Start acquires the microphone and begins streaming chunks. Starting an
// already active capture is a no-op. A device that cannot be opened is
// reported with reason device_open; the caller resolves and retries.
func (c *Capture) Start(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	src := c.cfg.Source
	if src == nil {
		src = newPortaudioSource(c.cfg.FramesPerBuffer)
	}
	if err := src.Open(); err != nil {
		c.mu.Unlock()
		return errorsx.Wrap(fmt.Errorf("open microphone: %w", err), errorsx.ReasonDeviceOpen)
	}
	c.src = src
	c.active = true
	c.loopDone = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("capture_started", slog.Int("native_rate", src.SampleRate()))
	go c.loop(src, src.SampleRate(), c.loopDone)
	return nil
}

// Stop releases the microphone and returns only once no chunk callback can
// fire again. Idempotent, and safe to call from inside the chunk callback.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	src := c.src
	c.src = nil
	done := c.loopDone
	loopGID := c.loopGID
	c.mu.Unlock()

	if err := src.Close(); err != nil {
		c.logger.Warn("capture_close_error", slog.String("error", err.Error()))
	}
	// Wait for the chunk loop so no callback outlives Stop. A Stop issued
	// from inside the callback runs on the loop goroutine and would wait on
	// itself; there the loop exits as soon as the callback returns.
	if goroutineID() != loopGID {
		<-done
	}
	c.logger.Info("capture_stopped")
}

// Active reports whether the pipeline currently holds the microphone.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Capture) loop(src Source, nativeRate int, done chan struct{}) {
	c.mu.Lock()
	c.loopGID = goroutineID()
	c.mu.Unlock()
	defer close(done)
	for {
		frame, err := src.ReadFrame()
		if err != nil {
			if c.Active() {
				c.logger.Warn("capture_read_error", slog.String("error", err.Error()))
			}
			return
		}
		if !c.Active() {
			return
		}
		c.cfg.OnChunk(encodeChunk(frame, nativeRate))
		if !c.Active() {
			return
		}
	}
}

// encodeChunk resamples one native-rate frame to the target rate and packs
// it as base64 16-bit little-endian PCM.
func encodeChunk(frame []float32, nativeRate int) string {
	resampled := pcm.Resample(frame, nativeRate, TargetRate)
	return pcm.EncodeBase64(pcm.Int16ToBytes(pcm.FloatToInt16(resampled)))
}

// goroutineID parses the current goroutine's id out of the runtime stack
// header ("goroutine 123 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Package playback owns the output audio device. It accepts a stream of
// 24 kHz mono 16-bit PCM chunks and schedules them for gapless sequential
// playback, with a live analyser tap for visualization.
package playback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/greengrow/cct/pkg/errorsx"
	"github.com/greengrow/cct/pkg/logging"
	"github.com/greengrow/cct/pkg/pcm"
)

// Rate is the fixed sample rate of inbound chunks.
const Rate = 24000

// RenderFunc fills one output frame with samples; called by the output
// device at its own pace.
type RenderFunc func(out []float32)

// Output is an open output device driving a RenderFunc.
type Output interface {
	Close() error
}

// OutputOpener acquires an output device. The default is portaudio-backed;
// tests substitute a manual pump.
type OutputOpener func(sampleRate int, render RenderFunc) (Output, error)

// Config configures a Player.
type Config struct {
	OpenOutput OutputOpener
	Logger     *slog.Logger
}

// Player schedules chunks onto the output timeline. The device and
// analyser are created lazily on the first Enqueue, so constructing a
// Player is free and never touches audio hardware.
type Player struct {
	logger *slog.Logger
	opener OutputOpener

	mu       sync.Mutex
	out      Output
	sched    *schedule
	analyser *Analyser
}

func New(cfg Config) *Player {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opener := cfg.OpenOutput
	if opener == nil {
		opener = openPortaudioOutput
	}
	return &Player{
		logger: logging.NewComponentLogger(cfg.Logger, "playback"),
		opener: opener,
	}
}

// Enqueue schedules one chunk of raw 24 kHz mono int16 LE PCM to start at
// max(outputClockNow, scheduleCursor). The first call opens the output
// device; a device that cannot be opened is reported with reason
// playback_open.
func (p *Player) Enqueue(chunk []byte) error {
	p.mu.Lock()
	if p.out == nil {
		sched := newSchedule(Rate)
		analyser := newAnalyser()
		render := func(out []float32) {
			sched.render(out)
			analyser.push(out)
		}
		out, err := p.opener(Rate, render)
		if err != nil {
			p.mu.Unlock()
			return errorsx.Wrap(fmt.Errorf("open output: %w", err), errorsx.ReasonPlaybackOpen)
		}
		p.out = out
		p.sched = sched
		p.analyser = analyser
		p.logger.Info("playback_started", slog.Int("rate", Rate))
	}
	sched := p.sched
	p.mu.Unlock()

	samples := pcm.Int16ToFloat(pcm.BytesToInt16(chunk))
	sched.enqueue(samples)
	return nil
}

// Stop halts everything scheduled or playing immediately and resets the
// schedule cursor, so the next Enqueue starts playback without inheriting
// stale scheduling debt. The device stays open; idempotent.
func (p *Player) Stop() {
	p.mu.Lock()
	sched := p.sched
	p.mu.Unlock()
	if sched != nil {
		sched.reset()
	}
}

// Analyser returns the live analysis tap, or nil if no audio has ever been
// enqueued.
func (p *Player) Analyser() *Analyser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.analyser
}

// Close releases the output device. Safe to call repeatedly or before any
// Enqueue.
func (p *Player) Close() error {
	p.mu.Lock()
	out := p.out
	p.out = nil
	sched := p.sched
	p.mu.Unlock()

	if sched != nil {
		sched.reset()
	}
	if out == nil {
		return nil
	}
	return out.Close()
}

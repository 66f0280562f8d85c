package playback

import (
	"math"
	"sync"
)

// segment is one enqueued buffer placed on the output timeline.
type segment struct {
	start int64 // absolute start sample
	data  []float32
}

// schedule owns the playback schedule cursor: a single monotonically
// non-decreasing "next start time". Buffers are placed at
// max(outputClockNow, cursor) so playback stays gapless and strictly
// sequential regardless of chunk arrival jitter. No reordering is done;
// arrival order is trusted to match playback order.
type schedule struct {
	rate int

	mu     sync.Mutex
	clock  int64 // samples rendered so far; the output clock
	cursor float64
	segs   []*segment
}

func newSchedule(rate int) *schedule {
	return &schedule{rate: rate}
}

// enqueue places samples on the timeline and advances the cursor past
// them. It returns the scheduled start time in seconds.
func (s *schedule) enqueue(samples []float32) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := float64(s.clock) / float64(s.rate)
	start := now
	if s.cursor > start {
		start = s.cursor
	}
	s.segs = append(s.segs, &segment{
		start: int64(math.Round(start * float64(s.rate))),
		data:  samples,
	})
	s.cursor = start + float64(len(samples))/float64(s.rate)
	return start
}

// reset drops every scheduled segment and returns the cursor to the
// start-immediately sentinel. The output clock keeps running.
func (s *schedule) reset() {
	s.mu.Lock()
	s.segs = nil
	s.cursor = 0
	s.mu.Unlock()
}

// render fills one output frame from the scheduled segments (silence where
// nothing is due) and advances the output clock.
func (s *schedule) render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frameStart := s.clock
	frameEnd := frameStart + int64(len(out))

	live := s.segs[:0]
	for _, seg := range s.segs {
		segEnd := seg.start + int64(len(seg.data))
		if segEnd <= frameStart {
			continue // fully played
		}
		if seg.start < frameEnd {
			from := frameStart
			if seg.start > from {
				from = seg.start
			}
			to := frameEnd
			if segEnd < to {
				to = segEnd
			}
			copy(out[from-frameStart:to-frameStart], seg.data[from-seg.start:to-seg.start])
		}
		live = append(live, seg)
	}
	s.segs = live
	s.clock = frameEnd
}

// now returns the output clock position in seconds.
func (s *schedule) now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.clock) / float64(s.rate)
}

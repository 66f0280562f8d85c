package playback

import (
	"math"
	"sync"
)

// Analyser is a live tap on the rendered output, holding the most recent
// window of samples for amplitude and frequency inspection (e.g. a call
// visualizer). It never blocks the render path.
type Analyser struct {
	mu   sync.Mutex
	ring []float32
	pos  int
	full bool
}

// analyserWindow is the tap size; power of two for the FFT.
const analyserWindow = 2048

func newAnalyser() *Analyser {
	return &Analyser{ring: make([]float32, analyserWindow)}
}

func (a *Analyser) push(samples []float32) {
	a.mu.Lock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos++
		if a.pos == len(a.ring) {
			a.pos = 0
			a.full = true
		}
	}
	a.mu.Unlock()
}

// Waveform returns the window of most recent samples, oldest first.
func (a *Analyser) Waveform() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]float32, 0, len(a.ring))
	if a.full {
		out = append(out, a.ring[a.pos:]...)
	}
	return append(out, a.ring[:a.pos]...)
}

// RMS returns the root-mean-square amplitude of the current window.
func (a *Analyser) RMS() float64 {
	w := a.Waveform()
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(w)))
}

// Spectrum returns magnitude bins over the current window: analyserWindow/2
// bins covering 0..Nyquist. A Hann window is applied before the transform.
func (a *Analyser) Spectrum() []float64 {
	re := make([]float64, analyserWindow)
	im := make([]float64, analyserWindow)

	w := a.Waveform()
	offset := analyserWindow - len(w)
	for i, s := range w {
		hann := 0.5 * (1 - math.Cos(2*math.Pi*float64(offset+i)/float64(analyserWindow-1)))
		re[offset+i] = float64(s) * hann
	}

	fft(re, im)

	out := make([]float64, analyserWindow/2)
	for i := range out {
		out[i] = math.Hypot(re[i], im[i]) / float64(analyserWindow)
	}
	return out
}

// fft is an in-place iterative radix-2 transform; len(re) must be a power
// of two.
func fft(re, im []float64) {
	n := len(re)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wRe, wIm := math.Cos(ang), math.Sin(ang)
		for start := 0; start < n; start += length {
			curRe, curIm := 1.0, 0.0
			half := length / 2
			for k := 0; k < half; k++ {
				uRe, uIm := re[start+k], im[start+k]
				vRe := re[start+k+half]*curRe - im[start+k+half]*curIm
				vIm := re[start+k+half]*curIm + im[start+k+half]*curRe
				re[start+k], im[start+k] = uRe+vRe, uIm+vIm
				re[start+k+half], im[start+k+half] = uRe-vRe, uIm-vIm
				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}

package capture

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// portaudioSource captures from the default input device at its native
// sample rate. Open holds exclusive OS-level microphone access until Close.
type portaudioSource struct {
	frames int
	rate   int
	buf    []float32
	stream *portaudio.Stream
}

func newPortaudioSource(frames int) *portaudioSource {
	return &portaudioSource{frames: frames}
}

func (s *portaudioSource) Open() error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}
	s.rate = int(dev.DefaultSampleRate)
	s.buf = make([]float32, s.frames)

	stream, err := portaudio.OpenDefaultStream(1, 0, dev.DefaultSampleRate, len(s.buf), s.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return err
	}
	s.stream = stream
	return nil
}

func (s *portaudioSource) SampleRate() int { return s.rate }

func (s *portaudioSource) ReadFrame() ([]float32, error) {
	if s.stream == nil {
		return nil, fmt.Errorf("source not open")
	}
	if err := s.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

func (s *portaudioSource) Close() error {
	var err error
	if s.stream != nil {
		if stopErr := s.stream.Abort(); stopErr != nil {
			err = stopErr
		}
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.stream = nil
	}
	if termErr := portaudio.Terminate(); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

var _ Source = (*portaudioSource)(nil)

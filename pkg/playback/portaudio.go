package playback

import (
	"sync"

	"github.com/gordonklaus/portaudio"
)

const outputFrames = 1024

// portaudioOutput drives the default output device from a render loop.
type portaudioOutput struct {
	stream *portaudio.Stream
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func openPortaudioOutput(sampleRate int, render RenderFunc) (Output, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	buf := make([]float32, outputFrames)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, err
	}

	o := &portaudioOutput{
		stream: stream,
		done:   make(chan struct{}),
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.done:
				return
			default:
			}
			render(buf)
			if err := stream.Write(); err != nil {
				return
			}
		}
	}()
	return o, nil
}

func (o *portaudioOutput) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		if abortErr := o.stream.Abort(); abortErr != nil {
			err = abortErr
		}
		o.wg.Wait()
		if closeErr := o.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if termErr := portaudio.Terminate(); termErr != nil && err == nil {
			err = termErr
		}
	})
	return err
}

var _ Output = (*portaudioOutput)(nil)

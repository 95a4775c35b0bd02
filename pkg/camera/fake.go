package camera

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"portrait-capture/pkg/types"
	imgutil "portrait-capture/pkg/utils/image"
)

// FakeOpener produces synthetic JPEG streams. It stands in for hardware in
// tests and in dry runs without a camera.
type FakeOpener struct {
	Width    int
	Height   int
	Rotation int
	Interval time.Duration
	// Err, when set, is returned by every OpenVideo call.
	Err error

	mu     sync.Mutex
	live   int
	opened []types.FacingMode
}

func (f *FakeOpener) OpenVideo(_ context.Context, facing types.FacingMode, width, height int) (VideoTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		w, h = width, height
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	frame, err := imgutil.JPEGBytes(TestPattern(w, h), 80)
	if err != nil {
		return nil, err
	}
	f.live++
	f.opened = append(f.opened, facing)

	t := &fakeTrack{
		owner:  f,
		format: Format{Width: w, Height: h, PixelFormat: imgutil.PixelJPEG, Rotation: f.Rotation},
		frames: make(chan []byte, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run(frame, interval)

	return t, nil
}

// Live is the number of opened tracks not yet stopped.
func (f *FakeOpener) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *FakeOpener) Opened() []types.FacingMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.FacingMode(nil), f.opened...)
}

type fakeTrack struct {
	owner  *FakeOpener
	format Format
	frames chan []byte
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (t *fakeTrack) run(frame []byte, interval time.Duration) {
	defer close(t.done)
	defer close(t.frames)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			select {
			case t.frames <- frame:
			default:
			}
		}
	}
}

func (t *fakeTrack) Frames() <-chan []byte { return t.frames }

func (t *fakeTrack) Format() Format { return t.format }

func (t *fakeTrack) Stop() error {
	t.once.Do(func() {
		close(t.quit)
		<-t.done
		t.owner.mu.Lock()
		t.owner.live--
		t.owner.mu.Unlock()
	})
	return nil
}

// FakeMicrophone produces silent PCM.
type FakeMicrophone struct {
	Err error

	mu   sync.Mutex
	live int
}

func (f *FakeMicrophone) OpenAudio(context.Context) (AudioTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.live++
	t := &fakeAudio{owner: f, samples: make(chan []byte, 4), quit: make(chan struct{}), done: make(chan struct{})}
	go t.run()

	return t, nil
}

func (f *FakeMicrophone) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

type fakeAudio struct {
	owner   *FakeMicrophone
	samples chan []byte
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (t *fakeAudio) run() {
	defer close(t.done)
	defer close(t.samples)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	chunk := make([]byte, SampleRate/100*Channels*2)
	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			select {
			case t.samples <- chunk:
			default:
			}
		}
	}
}

func (t *fakeAudio) Samples() <-chan []byte { return t.samples }

func (t *fakeAudio) SampleRate() int { return SampleRate }

func (t *fakeAudio) Channels() int { return Channels }

func (t *fakeAudio) Stop() error {
	t.once.Do(func() {
		close(t.quit)
		<-t.done
		t.owner.mu.Lock()
		t.owner.live--
		t.owner.mu.Unlock()
	})
	return nil
}

// TestPattern is a w×h image whose left, center and right thirds are red,
// green and blue. Crops and rotations are easy to recognize on it.
func TestPattern(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	third := w / 3
	draw.Draw(img, image.Rect(0, 0, third, h), &image.Uniform{C: color.RGBA{R: 0xff, A: 0xff}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(third, 0, w-third, h), &image.Uniform{C: color.RGBA{G: 0xff, A: 0xff}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(w-third, 0, w, h), &image.Uniform{C: color.RGBA{B: 0xff, A: 0xff}}, image.Point{}, draw.Src)
	return img
}

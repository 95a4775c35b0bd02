package recording

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/frame"
	"portrait-capture/pkg/types"
	imgutil "portrait-capture/pkg/utils/image"
	"portrait-capture/pkg/video"
)

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) fire() {
	t.f()
}

type timers struct {
	mu  sync.Mutex
	all []*fakeTimer
}

func (ts *timers) after(d time.Duration, f func()) Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ts.all = append(ts.all, t)
	return t
}

func (ts *timers) last(t *testing.T) *fakeTimer {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.all) == 0 {
		t.Fatal("no timer scheduled")
	}
	return ts.all[len(ts.all)-1]
}

type countingEncoder struct {
	mu     sync.Mutex
	codec  video.Codec
	frames int
	closed bool
	abort  bool
}

func (e *countingEncoder) Codec() video.Codec { return e.codec }

func (e *countingEncoder) WriteFrame([]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames++
	return nil
}

func (e *countingEncoder) WriteAudio([]byte) error { return nil }

func (e *countingEncoder) Close() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return []byte("payload"), nil
}

func (e *countingEncoder) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.abort = true
}

type factory struct {
	supported bool
	enc       *countingEncoder
}

func (f *factory) Supports(video.Codec) bool { return f.supported }

func (f *factory) New(c video.Codec, _ video.Params) (video.Encoder, error) {
	f.enc = &countingEncoder{codec: c}
	return f.enc, nil
}

// livePipeline runs a fake camera into a canonical buffer.
func livePipeline(t *testing.T) *frame.Buffer {
	t.Helper()
	m := camera.NewManager(&camera.FakeOpener{Width: 1280, Height: 720, Interval: 5 * time.Millisecond}, nil, 0, 0)
	h, err := m.Acquire(context.Background(), types.FacingFront)
	if err != nil {
		t.Fatal(err)
	}
	buf := frame.NewBuffer()
	p := frame.NewPipeline(h, buf, 100, 60)
	if err = p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		p.Stop()
		_ = m.Release()
	})
	return buf
}

func newController(ts *timers, f *factory, onStop func(StopEvent)) *Controller {
	return NewController(Options{
		Chain:     []video.Codec{video.MJPEG},
		Factory:   f,
		FPS:       30,
		AfterFunc: ts.after,
		OnStop:    onStop,
	})
}

func waitFrames(t *testing.T, f *factory) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.enc.mu.Lock()
		n := f.enc.frames
		f.enc.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("encoder got no frames")
}

func TestAutoStopAtMaxDuration(t *testing.T) {
	ts := &timers{}
	f := &factory{supported: true}
	var events []StopEvent
	c := newController(ts, f, func(e StopEvent) { events = append(events, e) })

	if err := c.Arm(livePipeline(t), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateRecording {
		t.Fatalf("state %s", c.State())
	}
	timer := ts.last(t)
	if timer.d != 40000*time.Millisecond {
		t.Fatalf("deferred stop at %s", timer.d)
	}
	waitFrames(t, f)

	timer.fire()
	if c.State() != StateReady {
		t.Fatalf("state %s after auto stop", c.State())
	}
	if len(events) != 1 || events[0].Manual || events[0].Artifact == nil {
		t.Fatalf("stop events %+v", events)
	}
	a := c.Artifact()
	if a.Kind != types.KindVideo || a.MIMEType != "video/x-msvideo" {
		t.Fatalf("artifact %+v", a)
	}
	if !strings.HasPrefix(a.FileName, "portrait_") || !strings.HasSuffix(a.FileName, ".avi") {
		t.Fatalf("file name %s", a.FileName)
	}
	if a.Width != frame.CanonicalWidth || a.Height != frame.CanonicalHeight {
		t.Fatalf("artifact %dx%d", a.Width, a.Height)
	}
	if a.Duration > MaxDuration {
		t.Fatalf("duration %s", a.Duration)
	}
	if !f.enc.closed {
		t.Fatal("encoder not finalized")
	}
}

func TestManualStopCancelsDeferredStop(t *testing.T) {
	ts := &timers{}
	f := &factory{supported: true}
	stops := 0
	c := newController(ts, f, func(StopEvent) { stops++ })

	if err := c.Arm(livePipeline(t), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFrames(t, f)

	a, err := c.Stop(true)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || string(a.Payload) != "payload" {
		t.Fatalf("artifact %+v", a)
	}
	timer := ts.last(t)
	if !timer.stopped {
		t.Fatal("deferred stop not cancelled")
	}

	// a late timer and a second stop are both no-ops
	timer.fire()
	if _, err = c.Stop(true); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second stop err = %v", err)
	}
	if stops != 1 {
		t.Fatalf("stopped %d times", stops)
	}
	if c.State() != StateReady {
		t.Fatalf("state %s", c.State())
	}
}

func TestStaleDeferredStopSparesNextRecording(t *testing.T) {
	ts := &timers{}
	f := &factory{supported: true}
	c := newController(ts, f, nil)
	buf := livePipeline(t)

	if err := c.Arm(buf, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := ts.last(t)
	if _, err := c.Stop(true); err != nil {
		t.Fatal(err)
	}

	if err := c.Arm(buf, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	// the first recording's callback already left the timer queue
	first.fire()
	if c.State() != StateRecording {
		t.Fatalf("state %s after stale deferred stop", c.State())
	}

	ts.last(t).fire()
	if c.State() != StateReady || c.Artifact() == nil {
		t.Fatalf("state %s, artifact %v", c.State(), c.Artifact())
	}
}

func TestConcurrentStops(t *testing.T) {
	ts := &timers{}
	f := &factory{supported: true}
	c := newController(ts, f, nil)
	if err := c.Arm(livePipeline(t), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Stop(i%2 == 0); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("%d stops succeeded", ok)
	}
}

func TestStartPreconditions(t *testing.T) {
	ts := &timers{}
	c := newController(ts, &factory{supported: true}, nil)
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("start unarmed err = %v", err)
	}
	if err := c.Arm(nil, nil); !errors.Is(err, ErrNoBuffer) {
		t.Fatalf("arm nil err = %v", err)
	}
}

func TestStartWithoutCodec(t *testing.T) {
	ts := &timers{}
	c := newController(ts, &factory{supported: false}, nil)
	if err := c.Arm(livePipeline(t), nil); err != nil {
		t.Fatal(err)
	}
	err := c.Start(context.Background())
	if !errors.Is(err, errs.ErrEncoding) {
		t.Fatalf("err = %v", err)
	}
	if c.State() != StateArmed {
		t.Fatalf("state %s", c.State())
	}
	if len(ts.all) != 0 {
		t.Fatal("timer scheduled without an encoder")
	}
}

func TestCancel(t *testing.T) {
	ts := &timers{}
	f := &factory{supported: true}
	c := newController(ts, f, nil)
	if err := c.Arm(livePipeline(t), nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Cancel()
	if c.State() != StateIdle || c.Artifact() != nil {
		t.Fatalf("state %s", c.State())
	}
	if !f.enc.abort || !ts.last(t).stopped {
		t.Fatal("encoder or timer left running")
	}
}

func TestFrameCap(t *testing.T) {
	c := NewController(Options{FPS: 1})
	frames := make(chan frame.Canonical, 100)
	for i := 0; i < 100; i++ {
		frames <- frame.Canonical{Data: []byte{0xff, 0xd8}}
	}
	close(frames)
	enc := &countingEncoder{}
	done := make(chan struct{})
	c.write(enc, frames, nil, make(chan struct{}), done)
	<-done
	if enc.frames != 40 || c.frames != 40 {
		t.Fatalf("encoder took %d frames", enc.frames)
	}
}

func TestCapture(t *testing.T) {
	data, err := imgutil.JPEGBytes(camera.TestPattern(1920, 1080), 90)
	if err != nil {
		t.Fatal(err)
	}
	now := time.UnixMilli(1700000000000)
	c := NewController(Options{Now: func() time.Time { return now }})
	raw := camera.Frame{Data: data, Format: camera.Format{Width: 1920, Height: 1080, PixelFormat: imgutil.PixelJPEG, Rotation: camera.RotationUnknown}}

	a, err := c.Capture(raw)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != types.KindImage || a.MIMEType != "image/jpeg" {
		t.Fatalf("artifact %+v", a)
	}
	if a.FileName != "photo_1700000000000.jpg" {
		t.Fatalf("file name %s", a.FileName)
	}
	if a.Width != 607 || a.Height != 1080 {
		t.Fatalf("photo %dx%d", a.Width, a.Height)
	}
	if c.State() != StateReady {
		t.Fatalf("state %s", c.State())
	}

	// a second capture supersedes the first
	b, err := c.Capture(raw)
	if err != nil {
		t.Fatal(err)
	}
	if c.Artifact() != b || b.ID == a.ID {
		t.Fatal("capture did not supersede")
	}
}

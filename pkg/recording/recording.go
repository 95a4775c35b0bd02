// Package recording is the capture state machine: it binds an encoder to
// the canonical frame buffer, enforces the maximum duration, and turns a
// finished recording or a still into an artifact.
package recording

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/frame"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/utils"
	imgutil "portrait-capture/pkg/utils/image"
	"portrait-capture/pkg/video"
)

// MaxDuration is the hard cap on a recording.
const MaxDuration = 40 * time.Second

type State string

const (
	StateIdle       State = "idle"
	StateArmed      State = "armed"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
	StateReady      State = "ready"
)

const (
	eventArm     = "arm"
	eventDisarm  = "disarm"
	eventStart   = "start"
	eventStop    = "stop"
	eventFinish  = "finish"
	eventFail    = "fail"
	eventCancel  = "cancel"
	eventReset   = "reset"
	eventCapture = "capture"
)

var (
	ErrNoBuffer     = errors.New("no active frame buffer")
	ErrNotArmed     = errors.New("recorder is not armed")
	ErrNotRecording = errors.New("not recording")
	ErrBusy         = errors.New("recording in progress")
)

// Timer is the deferred stop. *time.Timer implements it.
type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// StopEvent reports how a recording ended.
type StopEvent struct {
	Manual   bool
	Artifact *types.Artifact
	Err      error
}

type Options struct {
	Chain   []video.Codec
	Factory video.Factory
	FPS     int
	Quality int
	// PhotoWidth and PhotoHeight cap still captures.
	PhotoWidth  int
	PhotoHeight int
	// Now stamps artifacts. Defaults to time.Now.
	Now       func() time.Time
	AfterFunc AfterFunc
	// OnStop is called after every stop, manual or automatic, without
	// the controller lock held.
	OnStop func(StopEvent)
}

type Controller struct {
	opts   Options
	logger *zap.SugaredLogger

	mu  sync.Mutex
	fsm *fsm.FSM

	buf      *frame.Buffer
	audio    camera.AudioTrack
	enc      video.Encoder
	timer    Timer
	unsub    func()
	quit     chan struct{}
	done     chan struct{}
	frames   int
	writeErr error
	// gen numbers recordings so a stale deferred stop can be told apart.
	gen      uint64
	started  time.Time
	artifact *types.Artifact
}

func NewController(opts Options) *Controller {
	if opts.FPS <= 0 {
		opts.FPS = camera.DefaultFPS
	}
	if opts.Quality <= 0 {
		opts.Quality = frame.DefaultQuality
	}
	if opts.PhotoWidth <= 0 || opts.PhotoHeight <= 0 {
		opts.PhotoWidth, opts.PhotoHeight = frame.PhotoMaxWidth, frame.PhotoMaxHeight
	}
	if len(opts.Chain) == 0 {
		opts.Chain = video.DefaultChain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}

	c := &Controller{
		opts:   opts,
		logger: utils.GetLogger().Named("recording"),
	}
	c.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventArm, Src: []string{string(StateIdle), string(StateReady)}, Dst: string(StateArmed)},
			{Name: eventDisarm, Src: []string{string(StateArmed)}, Dst: string(StateIdle)},
			{Name: eventStart, Src: []string{string(StateArmed)}, Dst: string(StateRecording)},
			{Name: eventStop, Src: []string{string(StateRecording)}, Dst: string(StateFinalizing)},
			{Name: eventFinish, Src: []string{string(StateFinalizing)}, Dst: string(StateReady)},
			{Name: eventFail, Src: []string{string(StateFinalizing)}, Dst: string(StateIdle)},
			{Name: eventCancel, Src: []string{string(StateArmed), string(StateRecording)}, Dst: string(StateIdle)},
			{Name: eventReset, Src: []string{string(StateReady)}, Dst: string(StateIdle)},
			{Name: eventCapture, Src: []string{string(StateIdle)}, Dst: string(StateReady)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debugf("%s: %s -> %s", e.Event, e.Src, e.Dst)
			},
		},
	)

	return c
}

// MaxFrames is the most frames a single recording accepts.
func (c *Controller) MaxFrames() int {
	return c.opts.FPS * int(MaxDuration/time.Second)
}

func (c *Controller) State() State {
	return State(c.fsm.Current())
}

// Artifact returns the finished capture, or nil.
func (c *Controller) Artifact() *types.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

func (c *Controller) event(name string) error {
	err := c.fsm.Event(context.Background(), name)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// Arm binds the controller to a live canonical buffer and an optional
// audio track. A previous artifact is discarded.
func (c *Controller) Arm(buf *frame.Buffer, audio camera.AudioTrack) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf == nil {
		return ErrNoBuffer
	}
	switch c.State() {
	case StateRecording, StateFinalizing:
		return ErrBusy
	case StateArmed:
		c.buf, c.audio = buf, audio
		return nil
	}
	if err := c.event(eventArm); err != nil {
		return err
	}
	c.buf, c.audio = buf, audio
	c.artifact = nil
	return nil
}

func (c *Controller) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateArmed {
		_ = c.event(eventDisarm)
		c.buf, c.audio = nil, nil
	}
}

// Start selects a codec, binds an encoder to the buffer and schedules the
// automatic stop at MaxDuration.
func (c *Controller) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateArmed:
	case StateRecording, StateFinalizing:
		return ErrBusy
	default:
		return ErrNotArmed
	}

	w, h := c.buf.Size()
	p := video.Params{Width: w, Height: h, FPS: c.opts.FPS}
	if c.audio != nil {
		p.Audio = true
		p.SampleRate = c.audio.SampleRate()
		p.Channels = c.audio.Channels()
	}
	enc, err := video.Open(c.opts.Chain, c.opts.Factory, p)
	if err != nil {
		return err
	}
	if err = c.event(eventStart); err != nil {
		enc.Abort()
		return err
	}

	frames, unsub := c.buf.Subscribe(c.opts.FPS)
	var samples <-chan []byte
	if c.audio != nil {
		samples = c.audio.Samples()
		drain(samples)
	}
	c.enc = enc
	c.unsub = unsub
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	c.frames = 0
	c.writeErr = nil
	c.started = c.opts.Now()
	c.gen++
	gen := c.gen
	go c.write(enc, frames, samples, c.quit, c.done)
	c.timer = c.opts.AfterFunc(MaxDuration, func() { c.autoStop(gen) })
	c.logger.Infof("recording started with %s (%dx%d@%d, audio %v)", enc.Codec().Name, w, h, c.opts.FPS, p.Audio)

	return nil
}

func drain(ch <-chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (c *Controller) write(enc video.Encoder, frames <-chan frame.Canonical, samples <-chan []byte, quit, done chan struct{}) {
	defer close(done)
	limit := c.MaxFrames()
	n := 0
	defer func() { c.frames = n }()
	for {
		select {
		case <-quit:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if n >= limit {
				continue
			}
			if err := enc.WriteFrame(f.Data); err != nil {
				c.writeErr = err
				return
			}
			n++
		case pcm, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if err := enc.WriteAudio(pcm); err != nil {
				c.logger.Warnf("audio write failed, continuing video only: %s", err)
				samples = nil
			}
		}
	}
}

func (c *Controller) autoStop(gen uint64) {
	if _, err := c.stop(false, gen); err != nil && !errors.Is(err, ErrNotRecording) {
		c.logger.Errorf("auto stop failed: %s", err)
	}
}

// Stop finalizes the recording. manual reports that the operator asked for
// it; the deferred stop is then cancelled. Only the first of concurrent
// stops does anything, the rest get ErrNotRecording.
func (c *Controller) Stop(manual bool) (*types.Artifact, error) {
	return c.stop(manual, 0)
}

// stop with a non-zero gen only stops that recording.
func (c *Controller) stop(manual bool, gen uint64) (*types.Artifact, error) {
	c.mu.Lock()
	if c.State() != StateRecording || (gen != 0 && gen != c.gen) {
		c.mu.Unlock()
		return nil, ErrNotRecording
	}
	_ = c.event(eventStop)
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.unsub()
	close(c.quit)
	<-c.done

	elapsed := c.opts.Now().Sub(c.started)
	if elapsed > MaxDuration {
		elapsed = MaxDuration
	}
	enc := c.enc
	c.enc = nil
	payload, err := enc.Close()
	if err == nil && c.writeErr != nil {
		err = c.writeErr
	}
	var a *types.Artifact
	if err != nil {
		err = errs.Wrap(errs.ErrEncoding, "finalize recording", err)
		_ = c.event(eventFail)
	} else {
		w, h := c.buf.Size()
		codec := enc.Codec()
		now := c.opts.Now()
		a = &types.Artifact{
			ID:        uuid.NewString(),
			Payload:   payload,
			MIMEType:  codec.MIMEType,
			Kind:      types.KindVideo,
			FileName:  fmt.Sprintf("portrait_%d%s", now.UnixMilli(), codec.Ext),
			Width:     w,
			Height:    h,
			Duration:  elapsed,
			CreatedAt: now,
		}
		c.artifact = a
		_ = c.event(eventFinish)
		c.logger.Infof("recording stopped (manual %v): %d frames, %s, %s",
			manual, c.frames, elapsed.Round(time.Millisecond), humanize.Bytes(uint64(len(payload))))
	}
	c.buf, c.audio = nil, nil
	onStop := c.opts.OnStop
	c.mu.Unlock()

	if onStop != nil {
		onStop(StopEvent{Manual: manual, Artifact: a, Err: err})
	}
	return a, err
}

// Cancel drops an armed or running recording without an artifact.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateRecording:
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.unsub()
		close(c.quit)
		<-c.done
		c.enc.Abort()
		c.enc = nil
		c.logger.Info("recording cancelled")
	case StateArmed:
	default:
		return
	}
	_ = c.event(eventCancel)
	c.buf, c.audio = nil, nil
}

// Reset discards a finished artifact.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() == StateReady {
		_ = c.event(eventReset)
	}
	c.artifact = nil
}

// Capture draws one still from a raw frame at native resolution, cropped
// to 9:16, and encodes it as JPEG. It never touches the encoder.
func (c *Controller) Capture(raw camera.Frame) (*types.Artifact, error) {
	img, _, err := frame.Snapshot(raw, c.opts.PhotoWidth, c.opts.PhotoHeight)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncoding, "decode frame", err)
	}
	return c.captureImage(img)
}

func (c *Controller) captureImage(img image.Image) (*types.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateRecording, StateFinalizing:
		return nil, ErrBusy
	case StateArmed:
		_ = c.event(eventDisarm)
		c.buf, c.audio = nil, nil
	case StateReady:
		_ = c.event(eventReset)
	}

	data, err := imgutil.JPEGBytes(img, c.opts.Quality)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncoding, "encode photo", err)
	}
	now := c.opts.Now()
	b := img.Bounds()
	a := &types.Artifact{
		ID:        uuid.NewString(),
		Payload:   data,
		MIMEType:  "image/jpeg",
		Kind:      types.KindImage,
		FileName:  fmt.Sprintf("photo_%d.jpg", now.UnixMilli()),
		Width:     b.Dx(),
		Height:    b.Dy(),
		CreatedAt: now,
	}
	if err = c.event(eventCapture); err != nil {
		return nil, err
	}
	c.artifact = a
	c.logger.Infof("photo captured: %dx%d, %s", a.Width, a.Height, humanize.Bytes(uint64(len(data))))

	return a, nil
}

package frame

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/utils"
	imgutil "portrait-capture/pkg/utils/image"
)

const DefaultQuality = 85

var ErrStarted = errors.New("pipeline already started")

// Source is where the pipeline samples raw frames; *camera.Handle implements it.
type Source interface {
	Latest() (camera.Frame, bool)
}

// Pipeline is the periodic redraw task. It owns a single cancellation:
// Stop may be called from any exit path and cancels only once.
type Pipeline struct {
	src      Source
	buf      *Buffer
	interval time.Duration
	quality  int
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	lastSeq uint64
	ticks   uint64
}

func NewPipeline(src Source, buf *Buffer, fps, quality int) *Pipeline {
	if fps <= 0 {
		fps = camera.DefaultFPS
	}
	if quality <= 0 {
		quality = DefaultQuality
	}
	return &Pipeline{
		src:      src,
		buf:      buf,
		interval: time.Second / time.Duration(fps),
		quality:  quality,
		logger:   utils.GetLogger().Named("frame"),
	}
}

func (p *Pipeline) Buffer() *Buffer {
	return p.buf
}

// Start launches the loop. A pipeline runs at most once; build a new one
// for the next handle.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return ErrStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)

	return nil
}

// Stop cancels the loop and waits for it to exit. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	p.once.Do(func() {
		cancel()
		<-done
		p.logger.Debugf("frame loop stopped after %d ticks", p.ticks)
	})
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (p *Pipeline) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ticks++
			if err := p.tick(); err != nil {
				p.logger.Warnf("redraw frame: %s", err)
			}
		}
	}
}

func (p *Pipeline) tick() error {
	raw, ok := p.src.Latest()
	if !ok || raw.Seq == p.lastSeq {
		return nil
	}
	p.lastSeq = raw.Seq

	img, err := imgutil.Decode(raw.Data, raw.Format.PixelFormat, raw.Format.Width, raw.Format.Height)
	if err != nil {
		return err
	}
	b := img.Bounds()
	params := Plan(b.Dx(), b.Dy(), RotationFor(raw.Format.Rotation))
	w, h := p.buf.Size()
	data, err := imgutil.JPEGBytes(Apply(img, params, w, h), p.quality)
	if err != nil {
		return err
	}
	p.buf.publish(data, params)

	return nil
}

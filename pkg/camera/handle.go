package camera

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"portrait-capture/pkg/types"
)

// Handle is exclusive ownership of one live camera stream plus the
// optional microphone track. Only Manager stops it.
type Handle struct {
	ID     string
	Facing types.FacingMode

	video   VideoTrack
	audio   AudioTrack
	surface *Surface

	mu     sync.RWMutex
	latest Frame
	seq    uint64

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func newHandle(facing types.FacingMode, video VideoTrack, audio AudioTrack, surface *Surface) *Handle {
	h := &Handle{
		ID:      uuid.NewString(),
		Facing:  facing,
		video:   video,
		audio:   audio,
		surface: surface,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go h.pump()

	return h
}

// Latest returns the newest raw frame. ok is false until the first frame arrives.
func (h *Handle) Latest() (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.seq > 0
}

func (h *Handle) Format() Format {
	return h.video.Format()
}

// Audio returns the microphone track, or nil when the handle is video only.
func (h *Handle) Audio() AudioTrack {
	return h.audio
}

// Done is closed once the handle stops delivering frames.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Live() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) pump() {
	defer close(h.done)
	frames := h.video.Frames()
	for {
		select {
		case <-h.quit:
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			if len(data) == 0 {
				continue
			}
			cp := append([]byte(nil), data...)
			h.mu.Lock()
			h.seq++
			h.latest = Frame{Data: cp, Format: h.video.Format(), Seq: h.seq, At: time.Now()}
			h.mu.Unlock()
			if h.surface != nil {
				h.surface.Publish(cp)
			}
		}
	}
}

func (h *Handle) stop() error {
	h.stopOnce.Do(func() {
		close(h.quit)
		if err := h.video.Stop(); err != nil {
			h.stopErr = err
		}
		if h.audio != nil {
			if err := h.audio.Stop(); err != nil && h.stopErr == nil {
				h.stopErr = err
			}
		}
		<-h.done
	})
	return h.stopErr
}

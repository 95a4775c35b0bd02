package camera

import (
	"context"
	"errors"
	"sync"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/types"
)

var ErrNoHandle = errors.New("no live camera")

// Manager owns at most one live Handle at a time.
type Manager struct {
	mu sync.Mutex

	video   VideoOpener
	audio   AudioOpener
	width   int
	height  int
	surface *Surface

	handle *Handle
}

// NewManager builds a manager. audio may be nil for video-only capture.
func NewManager(video VideoOpener, audio AudioOpener, width, height int) *Manager {
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	return &Manager{
		video:   video,
		audio:   audio,
		width:   width,
		height:  height,
		surface: NewSurface(),
	}
}

func (m *Manager) Surface() *Surface {
	return m.surface
}

// Current returns the live handle or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Acquire opens a stream for facing. A live handle is released first.
func (m *Manager) Acquire(ctx context.Context, facing types.FacingMode) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.releaseLocked(); err != nil {
		logger.Warnf("release before acquire: %s", err)
	}
	return m.acquireLocked(ctx, facing)
}

// Release stops every track of the live handle. Safe to call with no handle.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

// Switch releases the live handle and acquires the opposite facing mode.
// The old stream is fully stopped before the new one is opened.
func (m *Manager) Switch(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle == nil {
		return nil, ErrNoHandle
	}
	facing := m.handle.Facing.Opposite()
	if err := m.releaseLocked(); err != nil {
		logger.Warnf("release before switch: %s", err)
	}
	return m.acquireLocked(ctx, facing)
}

func (m *Manager) acquireLocked(ctx context.Context, facing types.FacingMode) (*Handle, error) {
	video, err := m.video.OpenVideo(ctx, facing, m.width, m.height)
	if err != nil {
		return nil, Classify("open camera", err)
	}

	var audio AudioTrack
	if m.audio != nil {
		audio, err = m.audio.OpenAudio(ctx)
		if err != nil {
			err = Classify("open microphone", err)
			if errors.Is(err, errs.ErrPermission) {
				_ = video.Stop()
				return nil, err
			}
			logger.Warnf("microphone unavailable, recording without audio: %s", err)
			audio = nil
		}
	}

	m.handle = newHandle(facing, video, audio, m.surface)
	f := video.Format()
	logger.Infof("camera %s acquired (%s) %dx%d rotation=%d audio=%t",
		m.handle.ID, facing, f.Width, f.Height, f.Rotation, audio != nil)

	return m.handle, nil
}

func (m *Manager) releaseLocked() error {
	if m.handle == nil {
		return nil
	}
	h := m.handle
	m.handle = nil
	err := h.stop()
	logger.Infof("camera %s released", h.ID)

	return err
}

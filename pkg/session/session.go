// Package session drives one capture dialog: camera, frame loop,
// recording, normalization and upload, in the order the operator asks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/frame"
	"portrait-capture/pkg/notify"
	"portrait-capture/pkg/recording"
	"portrait-capture/pkg/storage"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/utils"
	"portrait-capture/pkg/video"
)

const (
	MsgAutoStopped     = "Recording auto-stopped after 40s"
	MsgUploaded        = "Upload successful"
	MsgUploadFailed    = "Upload failed"
	MsgUnexpectedReply = "Unexpected response from server"
	MsgNoFile          = "No file to upload"
)

var (
	ErrClosed      = errors.New("session is closed")
	ErrBusy        = errors.New("session is busy")
	ErrWrongMode   = errors.New("operation not available in this mode")
	ErrNoArtifact  = errors.New("nothing captured yet")
	ErrNoCamera    = errors.New("camera is not live")
	ErrNoFrame     = errors.New("no frame received yet")
	ErrUnsupported = errors.New("only image and video files can be attached")
)

type Uploader interface {
	Submit(ctx context.Context, a *types.Artifact, subjectID string) (*types.UploadResult, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, a *types.Artifact) (*types.Artifact, bool, error)
}

type Notifier interface {
	Notify(level notify.Level, text string)
	Status(view any)
}

// Deps are the process-wide collaborators a session is built from.
type Deps struct {
	Camera     *camera.Manager
	Encoders   video.Factory
	Chain      []video.Codec
	Normalizer Normalizer
	Uploader   Uploader
	Store      *storage.Store
	Notifier   Notifier

	FPS         int
	Quality     int
	PhotoWidth  int
	PhotoHeight int
	CloseDelay  time.Duration
	// Now stamps artifacts. Defaults to time.Now.
	Now func() time.Time
	// AfterFunc schedules the recording's deferred stop; tests replace it.
	AfterFunc recording.AfterFunc
}

type View struct {
	ID          string              `json:"id"`
	SubjectID   string              `json:"subjectId"`
	SubjectName string              `json:"subjectName"`
	Title       string              `json:"title"`
	Mode        types.Mode          `json:"mode"`
	FacingMode  types.FacingMode    `json:"facingMode"`
	Status      types.Status        `json:"status"`
	CameraLive  bool                `json:"cameraLive"`
	Artifact    *types.Artifact     `json:"artifact,omitempty"`
	Size        string              `json:"size,omitempty"`
	Result      *types.UploadResult `json:"result,omitempty"`
}

type Session struct {
	ID          string
	SubjectID   string
	SubjectName string

	deps   Deps
	logger *zap.SugaredLogger
	buf    *frame.Buffer
	rec    *recording.Controller

	mu         sync.Mutex
	mode       types.Mode
	facing     types.FacingMode
	status     types.Status
	handle     *camera.Handle
	pipeline   *frame.Pipeline
	artifact   *types.Artifact
	result     *types.UploadResult
	closeTimer *time.Timer
	onClose    func(*Session)
}

func New(deps Deps, subjectID, subjectName string) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Session{
		ID:          uuid.NewString(),
		SubjectID:   subjectID,
		SubjectName: subjectName,
		deps:        deps,
		buf:         frame.NewBuffer(),
		mode:        types.ModeUpload,
		facing:      types.FacingFront,
		status:      types.StatusIdle,
	}
	s.logger = utils.GetLogger().Named("session").With("session", s.ID)
	s.rec = recording.NewController(recording.Options{
		Chain:       deps.Chain,
		Factory:     deps.Encoders,
		FPS:         deps.FPS,
		Quality:     deps.Quality,
		PhotoWidth:  deps.PhotoWidth,
		PhotoHeight: deps.PhotoHeight,
		Now:         deps.Now,
		AfterFunc:   deps.AfterFunc,
		OnStop:      s.recordingStopped,
	})

	return s
}

// Buffer is the canonical frame buffer; it outlives camera switches.
func (s *Session) Buffer() *frame.Buffer {
	return s.buf
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{
		ID:          s.ID,
		SubjectID:   s.SubjectID,
		SubjectName: s.SubjectName,
		Title:       "Upload or Capture Media for " + s.SubjectName,
		Mode:        s.mode,
		FacingMode:  s.facing,
		Status:      s.status,
		CameraLive:  s.handle != nil && s.handle.Live(),
		Artifact:    s.artifact,
		Result:      s.result,
	}
	if s.status == types.StatusRecording && s.rec.State() == recording.StateFinalizing {
		v.Status = types.StatusFinalizing
	}
	if s.artifact != nil {
		v.Size = humanize.Bytes(uint64(len(s.artifact.Payload)))
	}
	return v
}

func (s *Session) publishLocked() {
	if s.deps.Notifier != nil {
		s.deps.Notifier.Status(s.viewLocked())
	}
}

func (s *Session) notify(level notify.Level, text string) {
	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify(level, text)
	}
}

// Artifact returns the current capture, or nil.
func (s *Session) Artifact() *types.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

func (s *Session) checkLocked() error {
	switch s.status {
	case types.StatusClosed:
		return ErrClosed
	case types.StatusUploading, types.StatusFinalizing:
		return ErrBusy
	}
	return nil
}

// SetMode switches between upload, photo and video. The camera is always
// released first and acquired again only for the capture modes. A failed
// acquire still leaves the new mode selected, with no camera.
func (s *Session) SetMode(ctx context.Context, m types.Mode) error {
	if !m.Valid() {
		return fmt.Errorf("unknown mode %q", m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}

	s.rec.Cancel()
	s.stopCameraLocked()
	s.discardLocked()
	s.mode = m
	s.status = types.StatusIdle
	defer s.publishLocked()

	if !m.UsesCamera() {
		return nil
	}
	return s.startCameraLocked(ctx)
}

// SwitchFacing flips between the front and back camera.
func (s *Session) SwitchFacing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if !s.mode.UsesCamera() {
		return ErrWrongMode
	}
	if s.status == types.StatusRecording {
		return ErrBusy
	}
	defer s.publishLocked()

	s.facing = s.facing.Opposite()
	if s.handle == nil {
		return s.startCameraLocked(ctx)
	}
	s.stopPipelineLocked()
	h, err := s.deps.Camera.Switch(ctx)
	if err != nil {
		s.handle = nil
		s.cameraStatusLocked(false)
		s.notify(notify.LevelError, cameraMessage(err))
		return err
	}
	s.handle = h
	s.startPipelineLocked()
	s.cameraStatusLocked(true)
	return nil
}

func (s *Session) startCameraLocked(ctx context.Context) error {
	h, err := s.deps.Camera.Acquire(ctx, s.facing)
	if err != nil {
		s.handle = nil
		s.cameraStatusLocked(false)
		s.notify(notify.LevelError, cameraMessage(err))
		return err
	}
	s.handle = h
	s.startPipelineLocked()
	s.cameraStatusLocked(true)
	return nil
}

// cameraStatusLocked follows the camera only while nothing is captured; a
// held artifact keeps the session ready for upload.
func (s *Session) cameraStatusLocked(live bool) {
	if s.artifact != nil {
		s.status = types.StatusReady
		return
	}
	if live {
		s.status = types.StatusPreviewing
	} else {
		s.status = types.StatusIdle
	}
}

func (s *Session) startPipelineLocked() {
	s.pipeline = frame.NewPipeline(s.handle, s.buf, s.deps.FPS, s.deps.Quality)
	if err := s.pipeline.Start(context.Background()); err != nil {
		s.logger.Errorf("start frame loop: %s", err)
	}
}

func (s *Session) stopPipelineLocked() {
	if s.pipeline != nil {
		s.pipeline.Stop()
		s.pipeline = nil
	}
}

// stopCameraLocked is every exit path's cleanup: frame loop first, then
// the tracks.
func (s *Session) stopCameraLocked() {
	s.stopPipelineLocked()
	if s.handle != nil {
		if err := s.deps.Camera.Release(); err != nil {
			s.logger.Warnf("release camera: %s", err)
		}
		s.handle = nil
	}
}

func (s *Session) discardLocked() {
	s.rec.Reset()
	s.artifact = nil
	s.result = nil
}

// StartRecording begins a video capture. The camera is reacquired when the
// previous recording released it.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if s.mode != types.ModeVideo {
		return ErrWrongMode
	}
	if s.status == types.StatusRecording {
		return ErrBusy
	}
	defer s.publishLocked()

	if s.handle == nil || !s.handle.Live() {
		if err := s.startCameraLocked(ctx); err != nil {
			return err
		}
	}
	s.discardLocked()
	s.cameraStatusLocked(true)
	if err := s.rec.Arm(s.buf, s.handle.Audio()); err != nil {
		return err
	}
	if err := s.rec.Start(ctx); err != nil {
		s.rec.Disarm()
		s.notify(notify.LevelError, err.Error())
		return err
	}
	s.status = types.StatusRecording
	return nil
}

// StopRecording is the manual stop.
func (s *Session) StopRecording(ctx context.Context) (*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.StatusClosed {
		return nil, ErrClosed
	}
	if s.status != types.StatusRecording {
		return nil, recording.ErrNotRecording
	}

	a, err := s.rec.Stop(true)
	if errors.Is(err, recording.ErrNotRecording) {
		// the deferred stop won the race
		a, err = s.rec.Artifact(), nil
		if a == nil {
			return nil, recording.ErrNotRecording
		}
	}
	s.finishRecordingLocked(ctx, a, err)
	if err != nil {
		return nil, err
	}
	return s.artifact, nil
}

func (s *Session) recordingStopped(ev recording.StopEvent) {
	if ev.Manual {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != types.StatusRecording {
		return
	}
	s.finishRecordingLocked(context.Background(), ev.Artifact, ev.Err)
	if ev.Err == nil {
		s.notify(notify.LevelSuccess, MsgAutoStopped)
	}
}

func (s *Session) finishRecordingLocked(ctx context.Context, a *types.Artifact, err error) {
	defer s.publishLocked()
	s.stopCameraLocked()
	if err != nil {
		s.status = types.StatusIdle
		s.notify(notify.LevelError, err.Error())
		return
	}
	s.setArtifactLocked(ctx, a)
}

// CapturePhoto takes a still from the live camera.
func (s *Session) CapturePhoto(ctx context.Context) (*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if s.mode != types.ModePhoto {
		return nil, ErrWrongMode
	}
	if s.handle == nil || !s.handle.Live() {
		return nil, ErrNoCamera
	}
	raw, ok := s.handle.Latest()
	if !ok {
		return nil, ErrNoFrame
	}
	a, err := s.rec.Capture(raw)
	if err != nil {
		s.notify(notify.LevelError, err.Error())
		return nil, err
	}
	s.result = nil
	s.setArtifactLocked(ctx, a)
	s.publishLocked()
	return s.artifact, nil
}

// Attach takes an operator-provided file in upload mode. The kind comes
// from the MIME type.
func (s *Session) Attach(ctx context.Context, data []byte, mimeType, fileName string) (*types.Artifact, error) {
	kind, ok := types.KindOf(mimeType)
	if !ok {
		return nil, ErrUnsupported
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrNoArtifact)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if s.mode != types.ModeUpload {
		return nil, ErrWrongMode
	}

	s.discardLocked()
	a := &types.Artifact{
		ID:        uuid.NewString(),
		Payload:   data,
		MIMEType:  mimeType,
		Kind:      kind,
		FileName:  fileName,
		CreatedAt: s.deps.Now(),
	}
	s.setArtifactLocked(ctx, a)
	s.publishLocked()
	return s.artifact, nil
}

// setArtifactLocked runs the corrective crop and makes a the session's
// artifact. A failed crop keeps the original so the operator can still
// upload it.
func (s *Session) setArtifactLocked(ctx context.Context, a *types.Artifact) {
	if s.deps.Normalizer != nil {
		res, changed, err := s.deps.Normalizer.Normalize(ctx, a)
		switch {
		case err != nil:
			s.logger.Warnf("normalize %s: %s", a.FileName, err)
			s.notify(notify.LevelError, "Could not crop to portrait: "+err.Error())
		case changed:
			s.logger.Infof("artifact %s normalized to %dx%d", a.ID, res.Width, res.Height)
			a = res
		default:
			a = res
		}
	}
	s.artifact = a
	s.status = types.StatusReady
	s.logger.Infof("artifact ready: %s %s (%s)", a.FileName, a.MIMEType, humanize.Bytes(uint64(len(a.Payload))))
}

// Submit uploads the artifact. The session lock is not held during the
// round trip; the uploading status keeps other operations out. Any
// failure returns the session to ready with the artifact intact.
func (s *Session) Submit(ctx context.Context) (*types.UploadResult, error) {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.artifact == nil {
		s.mu.Unlock()
		s.notify(notify.LevelError, MsgNoFile)
		return nil, ErrNoArtifact
	}
	if s.status != types.StatusReady {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	a := s.artifact
	s.status = types.StatusUploading
	s.publishLocked()
	s.mu.Unlock()

	res, err := s.deps.Uploader.Submit(ctx, a, s.SubjectID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.StatusClosed {
		return res, err
	}
	defer s.publishLocked()
	if err != nil {
		s.status = types.StatusReady
		if errors.Is(err, errs.ErrProtocol) {
			s.notify(notify.LevelError, MsgUnexpectedReply)
		} else {
			s.notify(notify.LevelError, MsgUploadFailed)
		}
		s.logger.Errorf("upload %s: %s", a.FileName, err)
		return nil, err
	}
	s.result = res
	s.status = types.StatusUploaded
	s.notify(notify.LevelSuccess, MsgUploaded)
	if s.deps.CloseDelay > 0 {
		s.closeTimer = time.AfterFunc(s.deps.CloseDelay, s.Close)
	} else {
		go s.Close()
	}
	return res, nil
}

// Close releases everything the session holds. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.status == types.StatusClosed {
		s.mu.Unlock()
		return
	}
	if s.closeTimer != nil {
		s.closeTimer.Stop()
		s.closeTimer = nil
	}
	s.rec.Cancel()
	s.stopCameraLocked()
	s.artifact = nil
	s.status = types.StatusClosed
	s.publishLocked()
	onClose := s.onClose
	s.mu.Unlock()

	s.logger.Info("session closed")
	if onClose != nil {
		onClose(s)
	}
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == types.StatusClosed
}

func cameraMessage(err error) string {
	switch errs.Kind(err) {
	case errs.ErrPermission:
		return "Camera or microphone permission denied"
	case errs.ErrDevice:
		return "No camera found for this facing mode"
	}
	return "Camera error: " + err.Error()
}

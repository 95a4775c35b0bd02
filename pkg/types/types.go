package types

import (
	"strings"
	"time"
)

type Mode string

const (
	ModeUpload Mode = "upload"
	ModePhoto  Mode = "photo"
	ModeVideo  Mode = "video"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeUpload, ModePhoto, ModeVideo:
		return true
	}
	return false
}

// UsesCamera reports whether the mode needs a live camera handle.
func (m Mode) UsesCamera() bool {
	return m == ModePhoto || m == ModeVideo
}

type FacingMode string

const (
	FacingFront FacingMode = "user"
	FacingBack  FacingMode = "environment"
)

func (f FacingMode) Opposite() FacingMode {
	if f == FacingFront {
		return FacingBack
	}
	return FacingFront
}

func (f FacingMode) Valid() bool {
	return f == FacingFront || f == FacingBack
}

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// KindOf derives the artifact kind from a MIME type. ok is false for
// anything that is neither image/* nor video/*.
func KindOf(mimeType string) (Kind, bool) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo, true
	}
	return "", false
}

type Status string

const (
	StatusIdle       Status = "idle"
	StatusPreviewing Status = "previewing"
	StatusRecording  Status = "recording"
	StatusFinalizing Status = "finalizing"
	StatusReady      Status = "ready"
	StatusUploading  Status = "uploading"
	StatusUploaded   Status = "uploaded"
	StatusClosed     Status = "closed"
)

// Artifact is a finished capture: a still image or an encoded recording.
type Artifact struct {
	ID        string        `json:"id"`
	Payload   []byte        `json:"-"`
	MIMEType  string        `json:"mimeType"`
	Kind      Kind          `json:"kind"`
	FileName  string        `json:"fileName"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Duration  time.Duration `json:"duration,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

type UploadResult struct {
	URL       string `json:"url"`
	Message   string `json:"message,omitempty"`
	Succeeded bool   `json:"succeeded"`
	// Transient is set when URL points at a session-scoped local handle
	// rather than a backend download path.
	Transient bool `json:"transient"`
}

package camera

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
	"time"

	"go.uber.org/zap"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/utils"
	imgutil "portrait-capture/pkg/utils/image"
)

const (
	DefaultWidth  = 1280
	DefaultHeight = 720
	DefaultFPS    = 30

	// RotationUnknown means the track carries no orientation metadata.
	RotationUnknown = -1
)

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger().Named("camera")
}

type Format struct {
	Width       int
	Height      int
	PixelFormat imgutil.PixelFormat
	// Rotation is the sensor mounting rotation in degrees (0, 90, 180, 270)
	// or RotationUnknown.
	Rotation int
}

// Frame is one raw frame taken from a video track.
type Frame struct {
	Data   []byte
	Format Format
	Seq    uint64
	At     time.Time
}

type VideoTrack interface {
	Frames() <-chan []byte
	Format() Format
	Stop() error
}

type AudioTrack interface {
	// Samples yields interleaved S16LE PCM.
	Samples() <-chan []byte
	SampleRate() int
	Channels() int
	Stop() error
}

type VideoOpener interface {
	OpenVideo(ctx context.Context, facing types.FacingMode, width, height int) (VideoTrack, error)
}

type AudioOpener interface {
	OpenAudio(ctx context.Context) (AudioTrack, error)
}

// Classify maps platform errors from opening a device onto the
// permission and device kinds. Errors that already carry a kind pass through.
func Classify(op string, err error) error {
	if err == nil || errs.Kind(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return errs.Wrap(errs.ErrPermission, op, err)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return errs.Wrap(errs.ErrDevice, op, err)
	}
	return err
}

package camera

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/types"
	imgutil "portrait-capture/pkg/utils/image"
)

// V4L2_CID_CAMERA_SENSOR_ROTATION
const sensorRotationCtrl v4l2.CtrlID = 0x009a0923

type DeviceConfig struct {
	Path string
	// Rotation is used when the driver does not expose the sensor rotation
	// control. RotationUnknown disables it.
	Rotation int
}

// V4L2 opens video tracks on Linux capture devices. V4L2 has no notion of
// facing, so each facing mode is bound to a device node.
type V4L2 struct {
	devices map[types.FacingMode]DeviceConfig
	fps     int
}

func NewV4L2(devices map[types.FacingMode]DeviceConfig, fps int) *V4L2 {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &V4L2{devices: devices, fps: fps}
}

func (v *V4L2) OpenVideo(_ context.Context, facing types.FacingMode, width, height int) (VideoTrack, error) {
	cfg, ok := v.devices[facing]
	if !ok || cfg.Path == "" {
		return nil, errs.Wrap(errs.ErrDevice, "open camera", fmt.Errorf("no device configured for facing mode %q", facing))
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, Classify("open camera", err)
	}

	logger.Infof("open %s in %d*%d", cfg.Path, width, height)
	dev, err := device.Open(
		cfg.Path,
		device.WithBufferSize(2),
		device.WithFPS(uint32(v.fps)),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(width),
			Height:      uint32(height),
			Field:       v4l2.FieldNone,
		}),
	)
	if err != nil {
		return nil, Classify("open camera", err)
	}

	// the stream outlives the acquiring request
	ctx, cancel := context.WithCancel(context.Background())
	if err = dev.Start(ctx); err != nil {
		cancel()
		_ = dev.Close()
		return nil, Classify("start camera", err)
	}

	format := Format{Width: width, Height: height, PixelFormat: imgutil.PixelJPEG, Rotation: cfg.Rotation}
	if pf, err := v4l2.GetPixFormat(dev.Fd()); err == nil {
		format.Width, format.Height = int(pf.Width), int(pf.Height)
		if pf.PixelFormat == v4l2.PixelFmtRGB24 {
			format.PixelFormat = imgutil.PixelRGB24
		}
	} else {
		logger.Warnf("read pix format of %s: %s", cfg.Path, err)
	}
	if ctrl, err := v4l2.GetControl(dev.Fd(), sensorRotationCtrl); err == nil {
		format.Rotation = int(ctrl.Value)
	}

	return &v4l2Track{dev: dev, cancel: cancel, format: format}, nil
}

type v4l2Track struct {
	lock   sync.Mutex
	dev    *device.Device
	cancel context.CancelFunc
	format Format
}

func (t *v4l2Track) Frames() <-chan []byte {
	return t.dev.GetOutput()
}

func (t *v4l2Track) Format() Format {
	return t.format
}

func (t *v4l2Track) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.cancel != nil {
		// let the streaming goroutine observe ctx.Done and stop the device
		// before Close runs
		t.cancel()
		time.Sleep(100 * time.Millisecond)
		t.cancel = nil
	}
	if t.dev != nil {
		err := t.dev.Close()
		t.dev = nil
		return err
	}
	return nil
}

package camera

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
	"testing"
	"time"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/types"
)

func waitFrame(t *testing.T, h *Handle) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f, ok := h.Latest(); ok {
			return f
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame received")
	return Frame{}
}

func TestAcquireRelease(t *testing.T) {
	video := &FakeOpener{Width: 1920, Height: 1080}
	m := NewManager(video, nil, 1280, 720)

	h, err := m.Acquire(context.Background(), types.FacingFront)
	if err != nil {
		t.Fatal(err)
	}
	if m.Current() != h {
		t.Fatal("current handle mismatch")
	}
	f := waitFrame(t, h)
	if f.Format.Width != 1920 || f.Format.Height != 1080 {
		t.Fatalf("format %+v", f.Format)
	}
	if h.Audio() != nil {
		t.Fatal("unexpected audio track")
	}

	if err = m.Release(); err != nil {
		t.Fatal(err)
	}
	if err = m.Release(); err != nil {
		t.Fatal("second release:", err)
	}
	if m.Current() != nil || video.Live() != 0 || h.Live() {
		t.Fatalf("handle leaked: live=%d", video.Live())
	}
}

func TestAcquireTwiceKeepsOneStream(t *testing.T) {
	video := &FakeOpener{}
	m := NewManager(video, nil, 0, 0)
	for i := 0; i < 3; i++ {
		if _, err := m.Acquire(context.Background(), types.FacingBack); err != nil {
			t.Fatal(err)
		}
		if video.Live() != 1 {
			t.Fatalf("live streams = %d", video.Live())
		}
	}
	_ = m.Release()
}

func TestSwitch(t *testing.T) {
	video := &FakeOpener{}
	mic := &FakeMicrophone{}
	m := NewManager(video, mic, 0, 0)

	if _, err := m.Switch(context.Background()); !errors.Is(err, ErrNoHandle) {
		t.Fatalf("switch without handle: %v", err)
	}

	if _, err := m.Acquire(context.Background(), types.FacingFront); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		h, err := m.Switch(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if video.Live() != 1 || mic.Live() != 1 {
			t.Fatalf("after switch %d: video=%d mic=%d", i, video.Live(), mic.Live())
		}
		if h.Audio() == nil {
			t.Fatal("audio track missing")
		}
	}
	want := []types.FacingMode{types.FacingFront, types.FacingBack, types.FacingFront, types.FacingBack, types.FacingFront}
	got := video.Opened()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("opened %v, want %v", got, want)
		}
	}
	_ = m.Release()
	if video.Live() != 0 || mic.Live() != 0 {
		t.Fatal("tracks leaked after release")
	}
}

func TestAcquirePermissionDenied(t *testing.T) {
	video := &FakeOpener{Err: &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EACCES}}
	m := NewManager(video, nil, 0, 0)

	h, err := m.Acquire(context.Background(), types.FacingFront)
	if !errors.Is(err, errs.ErrPermission) {
		t.Fatalf("err = %v", err)
	}
	if h != nil || m.Current() != nil {
		t.Fatal("handle exists after denied acquire")
	}
}

func TestMicrophoneErrors(t *testing.T) {
	video := &FakeOpener{}
	mic := &FakeMicrophone{Err: errs.Wrap(errs.ErrPermission, "open microphone", nil)}
	m := NewManager(video, mic, 0, 0)

	if _, err := m.Acquire(context.Background(), types.FacingFront); !errors.Is(err, errs.ErrPermission) {
		t.Fatalf("err = %v", err)
	}
	if video.Live() != 0 {
		t.Fatal("video track leaked after microphone denial")
	}

	mic.Err = errs.Wrap(errs.ErrDevice, "open microphone", nil)
	h, err := m.Acquire(context.Background(), types.FacingFront)
	if err != nil {
		t.Fatal("missing microphone should degrade to video only:", err)
	}
	if h.Audio() != nil {
		t.Fatal("audio track present")
	}
	_ = m.Release()
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind error
	}{
		{&fs.PathError{Op: "open", Path: "/dev/video9", Err: syscall.ENOENT}, errs.ErrDevice},
		{syscall.ENODEV, errs.ErrDevice},
		{syscall.EPERM, errs.ErrPermission},
		{fs.ErrPermission, errs.ErrPermission},
		{errs.Wrap(errs.ErrEncoding, "x", nil), errs.ErrEncoding},
	}
	for _, c := range cases {
		if got := errs.Kind(Classify("op", c.err)); got != c.kind {
			t.Errorf("Classify(%v) kind = %v, want %v", c.err, got, c.kind)
		}
	}
	if Classify("op", nil) != nil {
		t.Error("nil not preserved")
	}
}

func TestSurfaceReceivesFrames(t *testing.T) {
	m := NewManager(&FakeOpener{Width: 64, Height: 48}, nil, 0, 0)
	ch, cancel := m.Surface().Subscribe(1)
	defer cancel()
	if _, err := m.Acquire(context.Background(), types.FacingFront); err != nil {
		t.Fatal(err)
	}
	defer m.Release()
	select {
	case f := <-ch:
		if len(f) == 0 {
			t.Fatal("empty preview frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no preview frame")
	}
}

func TestV4L2UnknownFacing(t *testing.T) {
	v := NewV4L2(map[types.FacingMode]DeviceConfig{
		types.FacingBack: {Path: "/dev/does-not-exist-video", Rotation: RotationUnknown},
	}, 0)
	if _, err := v.OpenVideo(context.Background(), types.FacingFront, 640, 480); !errors.Is(err, errs.ErrDevice) {
		t.Fatalf("front: %v", err)
	}
	if _, err := v.OpenVideo(context.Background(), types.FacingBack, 640, 480); !errors.Is(err, errs.ErrDevice) {
		t.Fatalf("back: %v", err)
	}
}

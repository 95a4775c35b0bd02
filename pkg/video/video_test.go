package video

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/errs"
	imgutil "portrait-capture/pkg/utils/image"
)

type fakeRunner struct {
	out  []byte
	err  error
	args [][]string
}

func (r *fakeRunner) Run(_ context.Context, name string, args []string, _ io.Reader) ([]byte, error) {
	r.args = append(r.args, append([]string{name}, args...))
	return r.out, r.err
}

type fakeFactory struct {
	supported map[string]bool
	failing   map[string]bool
	tried     []string
}

func (f *fakeFactory) Supports(c Codec) bool {
	return f.supported[c.Name]
}

func (f *fakeFactory) New(c Codec, _ Params) (Encoder, error) {
	f.tried = append(f.tried, c.Name)
	if f.failing[c.Name] {
		return nil, errors.New("boom")
	}
	return &nopEncoder{codec: c}, nil
}

type nopEncoder struct {
	codec Codec
}

func (e *nopEncoder) Codec() Codec           { return e.codec }
func (e *nopEncoder) WriteFrame([]byte) error { return nil }
func (e *nopEncoder) WriteAudio([]byte) error { return nil }
func (e *nopEncoder) Close() ([]byte, error)  { return []byte("x"), nil }
func (e *nopEncoder) Abort()                  {}

func TestChain(t *testing.T) {
	c, err := Chain(nil)
	if err != nil || len(c) != 3 || c[0].Name != "h264" {
		t.Fatalf("default chain = %v, %v", c, err)
	}

	c, err = Chain([]string{"vp8"})
	if err != nil {
		t.Fatal(err)
	}
	if len(c) != 2 || c[0].Name != "vp8" || c[1].Name != "mjpeg" {
		t.Fatalf("chain = %v", c)
	}

	if _, err = Chain([]string{"av1"}); err == nil {
		t.Fatal("unknown codec accepted")
	}
}

func TestOpenFallsBack(t *testing.T) {
	f := &fakeFactory{
		supported: map[string]bool{"vp8": true, "mjpeg": true},
		failing:   map[string]bool{"vp8": true},
	}
	enc, err := Open(DefaultChain, f, Params{Width: 480, Height: 848, FPS: 30})
	if err != nil {
		t.Fatal(err)
	}
	if enc.Codec().Name != "mjpeg" {
		t.Fatalf("selected %s", enc.Codec().Name)
	}
	if len(f.tried) != 2 || f.tried[0] != "vp8" {
		t.Fatalf("tried %v", f.tried)
	}
}

func TestOpenExhausted(t *testing.T) {
	f := &fakeFactory{supported: map[string]bool{"h264": true}, failing: map[string]bool{"h264": true}}
	_, err := Open([]Codec{H264}, f, Params{})
	if !errors.Is(err, errs.ErrEncoding) {
		t.Fatalf("err = %v", err)
	}

	_, err = Open(nil, f, Params{})
	if !errors.Is(err, errs.ErrEncoding) {
		t.Fatalf("empty chain err = %v", err)
	}
}

func TestBuilder(t *testing.T) {
	jpeg, err := imgutil.JPEGBytes(camera.TestPattern(48, 84), 80)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBuilder(t.TempDir(), MJPEG, Params{Width: 48, Height: 84, FPS: 10})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err = b.WriteFrame(jpeg); err != nil {
			t.Fatal(err)
		}
	}
	if b.GetCnt() != 5 {
		t.Fatalf("cnt = %d", b.GetCnt())
	}
	payload, err := b.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(payload, []byte("RIFF")) {
		t.Fatal("payload is not an AVI")
	}
}

func TestBuilderEmpty(t *testing.T) {
	b, err := NewBuilder(t.TempDir(), MJPEG, Params{Width: 48, Height: 84, FPS: 10})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = b.Close(); err == nil {
		t.Fatal("empty recording accepted")
	}
}

func TestHasEncoder(t *testing.T) {
	out := []byte(`Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC
 V....D mjpeg                MJPEG (Motion JPEG)
 A....D aac                  AAC (Advanced Audio Coding)
`)
	r := &fakeRunner{out: out}
	f := &FFmpeg{Bin: "ffmpeg", Runner: r}
	if !f.HasEncoder("libx264") || !f.HasEncoder("mjpeg") {
		t.Fatal("encoder missing")
	}
	if f.HasEncoder("libvpx") || f.HasEncoder("Video") {
		t.Fatal("unexpected encoder")
	}
	if len(r.args) != 1 {
		t.Fatalf("ffmpeg ran %d times", len(r.args))
	}
}

func TestEncodersWithoutFFmpeg(t *testing.T) {
	f := &FFmpeg{Bin: "ffmpeg", Runner: &fakeRunner{err: errors.New("not found")}}
	e := &Encoders{FFmpeg: f, TempDir: t.TempDir()}
	if e.Supports(H264) || e.Supports(VP8) {
		t.Fatal("ffmpeg codec supported without ffmpeg")
	}
	if !e.Supports(MJPEG) {
		t.Fatal("builtin not supported")
	}
	enc, err := Open(DefaultChain, e, Params{Width: 48, Height: 84, FPS: 10})
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Abort()
	if enc.Codec().Name != "mjpeg" {
		t.Fatalf("selected %s", enc.Codec().Name)
	}
}

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(`{"streams":[{"width":1920,"height":1080,"duration":"N/A"}],"format":{"duration":"12.500000"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1920 || info.Height != 1080 || info.Duration != 12500*time.Millisecond {
		t.Fatalf("info = %+v", info)
	}
	if _, err = parseProbe([]byte(`{"streams":[]}`)); err == nil {
		t.Fatal("empty probe accepted")
	}
}

func TestEncoderArgs(t *testing.T) {
	args := encoderArgs(H264, Params{FPS: 30, Audio: true, SampleRate: 48000, Channels: 2})
	joined := " " + strings.Join(args, " ") + " "
	for _, want := range []string{" -framerate 30 -i pipe:0 ", " -i pipe:3 ", " -c:v libx264 ", " -c:a aac ", " pipe:1 "} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "pipe:1" {
		t.Fatal("output is not stdout")
	}
}

// Package video holds the codec fallback chain and the encoders that turn
// canonical frames into a recorded payload.
package video

import (
	"fmt"

	"go.uber.org/zap"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/utils"
)

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger().Named("video")
}

type Codec struct {
	Name     string
	MIMEType string
	Ext      string
	// Encoder is the ffmpeg encoder that must be present for this codec.
	Encoder   string
	Args      []string
	AudioArgs []string
	// Builtin codecs can be written without ffmpeg.
	Builtin bool
}

var (
	H264 = Codec{
		Name:     "h264",
		MIMEType: "video/mp4",
		Ext:      ".mp4",
		Encoder:  "libx264",
		Args: []string{
			"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
			"-movflags", "frag_keyframe+empty_moov+default_base_moof", "-f", "mp4",
		},
		AudioArgs: []string{"-c:a", "aac", "-b:a", "128k"},
	}
	VP8 = Codec{
		Name:      "vp8",
		MIMEType:  "video/webm",
		Ext:       ".webm",
		Encoder:   "libvpx",
		Args:      []string{"-c:v", "libvpx", "-deadline", "realtime", "-b:v", "1M", "-f", "webm"},
		AudioArgs: []string{"-c:a", "libopus", "-b:a", "96k"},
	}
	MJPEG = Codec{
		Name:      "mjpeg",
		MIMEType:  "video/x-msvideo",
		Ext:       ".avi",
		Encoder:   "mjpeg",
		Args:      []string{"-c:v", "mjpeg", "-q:v", "3", "-f", "avi"},
		AudioArgs: []string{"-c:a", "pcm_s16le"},
		Builtin:   true,
	}

	// DefaultChain is most preferred first. MJPEG is always last: it needs
	// nothing but this process.
	DefaultChain = []Codec{H264, VP8, MJPEG}

	known = map[string]Codec{H264.Name: H264, VP8.Name: VP8, MJPEG.Name: MJPEG}
)

// Chain resolves codec names into a fallback chain. The builtin fallback is
// appended when the names do not include it, so the chain is never empty.
func Chain(names []string) ([]Codec, error) {
	if len(names) == 0 {
		return DefaultChain, nil
	}
	var res []Codec
	hasBuiltin := false
	for _, n := range names {
		c, ok := known[n]
		if !ok {
			return nil, fmt.Errorf("unknown codec %q", n)
		}
		hasBuiltin = hasBuiltin || c.Builtin
		res = append(res, c)
	}
	if !hasBuiltin {
		res = append(res, MJPEG)
	}
	return res, nil
}

// Params describe the stream fed to an encoder.
type Params struct {
	Width      int
	Height     int
	FPS        int
	Audio      bool
	SampleRate int
	Channels   int
}

type Encoder interface {
	Codec() Codec
	// WriteFrame takes one JPEG frame.
	WriteFrame(jpeg []byte) error
	// WriteAudio takes interleaved S16LE PCM. Encoders without audio drop it.
	WriteAudio(pcm []byte) error
	// Close flushes the encoder and returns the whole payload.
	Close() ([]byte, error)
	// Abort discards everything.
	Abort()
}

type Factory interface {
	Supports(c Codec) bool
	New(c Codec, p Params) (Encoder, error)
}

// Open walks the chain and returns the first encoder that is supported and
// starts. ErrEncoding is returned only when every codec fails.
func Open(chain []Codec, f Factory, p Params) (Encoder, error) {
	var lastErr error
	for _, c := range chain {
		if !f.Supports(c) {
			logger.Debugf("codec %s not supported, falling back", c.Name)
			continue
		}
		enc, err := f.New(c, p)
		if err != nil {
			logger.Warnf("codec %s failed to start: %s", c.Name, err)
			lastErr = err
			continue
		}
		return enc, nil
	}
	return nil, errs.Wrap(errs.ErrEncoding, "open encoder", lastErr)
}

// Encoders is the process-wide Factory: ffmpeg when available, the builtin
// MJPEG writer otherwise.
type Encoders struct {
	FFmpeg  *FFmpeg
	TempDir string
}

func (e *Encoders) Supports(c Codec) bool {
	if c.Builtin {
		return true
	}
	return e.FFmpeg != nil && e.FFmpeg.HasEncoder(c.Encoder)
}

func (e *Encoders) New(c Codec, p Params) (Encoder, error) {
	if c.Builtin {
		return NewBuilder(e.TempDir, c, p)
	}
	enc, err := newFFmpegEncoder(e.FFmpeg.Bin, c, p)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

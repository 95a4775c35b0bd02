// Package normalize is the second pass over a finished payload whose
// intrinsic geometry is not 9:16. It only crops; it never rotates.
package normalize

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/frame"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/utils"
	imgutil "portrait-capture/pkg/utils/image"
	"portrait-capture/pkg/video"
)

// DefaultTolerance accepts the canonical 480×848 buffer as 9:16.
const DefaultTolerance = 0.01

type Normalizer struct {
	// FFmpeg is used for videos. Nil skips video normalization.
	FFmpeg    *video.FFmpeg
	Chain     []video.Codec
	Tolerance float64
	Quality   int
	TempDir   string

	logger *zap.SugaredLogger
}

func New(ff *video.FFmpeg, chain []video.Codec, tempDir string) *Normalizer {
	if len(chain) == 0 {
		chain = video.DefaultChain
	}
	return &Normalizer{
		FFmpeg:    ff,
		Chain:     chain,
		Tolerance: DefaultTolerance,
		Quality:   frame.DefaultQuality,
		TempDir:   tempDir,
		logger:    utils.GetLogger().Named("normalize"),
	}
}

// Normalize returns a cropped copy of a, or a itself when it is already
// portrait or cannot be inspected. changed reports which.
func (n *Normalizer) Normalize(ctx context.Context, a *types.Artifact) (res *types.Artifact, changed bool, err error) {
	switch a.Kind {
	case types.KindImage:
		return n.image(a)
	case types.KindVideo:
		return n.video(ctx, a)
	}
	return a, false, nil
}

func (n *Normalizer) image(a *types.Artifact) (*types.Artifact, bool, error) {
	img, err := imaging.Decode(bytes.NewReader(a.Payload))
	if err != nil {
		return nil, false, errs.Wrap(errs.ErrEncoding, "decode image", err)
	}
	b := img.Bounds()
	if frame.IsPortrait(b.Dx(), b.Dy(), n.Tolerance) {
		return withSize(a, b.Dx(), b.Dy()), false, nil
	}
	cropped := frame.CropToPortrait(img)
	data, err := imgutil.JPEGBytes(cropped, n.Quality)
	if err != nil {
		return nil, false, errs.Wrap(errs.ErrEncoding, "encode image", err)
	}
	res := *a
	res.ID = uuid.NewString()
	res.Payload = data
	res.MIMEType = "image/jpeg"
	res.FileName = replaceExt(a.FileName, ".jpg")
	res.Width, res.Height = cropped.Bounds().Dx(), cropped.Bounds().Dy()
	n.logger.Infof("image %dx%d cropped to %dx%d", b.Dx(), b.Dy(), res.Width, res.Height)

	return &res, true, nil
}

func (n *Normalizer) video(ctx context.Context, a *types.Artifact) (*types.Artifact, bool, error) {
	if n.FFmpeg == nil {
		n.logger.Warn("ffmpeg not configured, video left as is")
		return a, false, nil
	}
	f, err := os.CreateTemp(n.TempDir, "normalize-*"+filepath.Ext(a.FileName))
	if err != nil {
		return nil, false, err
	}
	src := f.Name()
	defer os.Remove(src)
	_, err = f.Write(a.Payload)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, false, err
	}

	info, err := n.FFmpeg.Probe(ctx, src)
	if err != nil {
		n.logger.Warnf("cannot probe video, left as is: %s", err)
		return a, false, nil
	}
	if frame.IsPortrait(info.Width, info.Height, n.Tolerance) {
		res := withSize(a, info.Width, info.Height)
		if res.Duration == 0 {
			res.Duration = info.Duration
		}
		return res, false, nil
	}

	r := frame.CropRect(info.Width, info.Height)
	// yuv420p needs even dimensions
	cw, ch := r.Dx()&^1, r.Dy()&^1
	filter := fmt.Sprintf("crop=%d:%d:%d:%d", cw, ch, r.Min.X, r.Min.Y)

	var lastErr error
	for _, c := range n.Chain {
		if !n.FFmpeg.HasEncoder(c.Encoder) {
			continue
		}
		data, err := n.FFmpeg.Transcode(ctx, src, filter, c)
		if err != nil {
			n.logger.Warnf("normalize with %s failed: %s", c.Name, err)
			lastErr = err
			continue
		}
		res := *a
		res.ID = uuid.NewString()
		res.Payload = data
		res.MIMEType = c.MIMEType
		res.FileName = replaceExt(a.FileName, c.Ext)
		res.Width, res.Height = cw, ch
		if res.Duration == 0 {
			res.Duration = info.Duration
		}
		n.logger.Infof("video %dx%d cropped to %dx%d with %s", info.Width, info.Height, cw, ch, c.Name)
		return &res, true, nil
	}

	return nil, false, errs.Wrap(errs.ErrEncoding, "normalize video", lastErr)
}

func withSize(a *types.Artifact, w, h int) *types.Artifact {
	if a.Width == w && a.Height == h {
		return a
	}
	res := *a
	res.Width, res.Height = w, h
	return &res
}

func replaceExt(name, ext string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ext
}

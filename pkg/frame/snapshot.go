package frame

import (
	"image"

	"github.com/disintegration/imaging"

	"portrait-capture/pkg/camera"
	imgutil "portrait-capture/pkg/utils/image"
)

const (
	PhotoMaxWidth  = 720
	PhotoMaxHeight = 1280
)

// Snapshot draws one still from a raw frame. It keeps native resolution,
// cropped to 9:16, and scales down only when larger than maxW×maxH.
func Snapshot(raw camera.Frame, maxW, maxH int) (image.Image, Params, error) {
	img, err := imgutil.Decode(raw.Data, raw.Format.PixelFormat, raw.Format.Width, raw.Format.Height)
	if err != nil {
		return nil, Params{}, err
	}
	b := img.Bounds()
	params := Plan(b.Dx(), b.Dy(), RotationFor(raw.Format.Rotation))
	w, h := params.Crop.Dx(), params.Crop.Dy()
	if maxW > 0 && maxH > 0 && (w > maxW || h > maxH) {
		w, h = maxW, maxH
	}
	return Apply(img, params, w, h), params, nil
}

// CropToPortrait center-crops img to 9:16 without scaling.
func CropToPortrait(img image.Image) *image.NRGBA {
	b := img.Bounds()
	return imaging.Crop(img, CropRect(b.Dx(), b.Dy()).Add(b.Min))
}

// Package frame redraws live camera frames into the fixed portrait
// canonical frame buffer.
package frame

import (
	"image"

	"github.com/disintegration/imaging"
)

const (
	AspectW = 9
	AspectH = 16

	// CanonicalWidth x CanonicalHeight is the 9:16 buffer size with a
	// 16-aligned height.
	CanonicalWidth  = 480
	CanonicalHeight = 848
)

type Rotation int

const (
	Rotate0  Rotation = 0
	Rotate90 Rotation = 90
)

// Params are the transform applied to every source frame.
type Params struct {
	SrcWidth  int
	SrcHeight int
	Rotation  Rotation
	// Crop is in the coordinates of the rotated source.
	Crop image.Rectangle
}

// RotationFor picks the rotation from the track's sensor orientation
// metadata. Only a sensor mounted at 90 or 270 degrees is rotated; when
// the orientation is unknown the frame is cropped as is.
func RotationFor(sensorRotation int) Rotation {
	switch sensorRotation {
	case 90, 270:
		return Rotate90
	}
	return Rotate0
}

// CropRect is the largest centered 9:16 rectangle inside w×h.
func CropRect(w, h int) image.Rectangle {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	if w*AspectH > h*AspectW {
		// wider than 9:16: crop width
		cw := h * AspectW / AspectH
		x := (w - cw) / 2
		return image.Rect(x, 0, x+cw, h)
	}
	ch := w * AspectH / AspectW
	y := (h - ch) / 2
	return image.Rect(0, y, w, y+ch)
}

// Plan computes the transform for a w×h source.
func Plan(w, h int, rot Rotation) Params {
	rw, rh := w, h
	if rot == Rotate90 {
		rw, rh = h, w
	}
	return Params{SrcWidth: w, SrcHeight: h, Rotation: rot, Crop: CropRect(rw, rh)}
}

// IsPortrait reports whether w×h is within tolerance of 9:16.
func IsPortrait(w, h int, tolerance float64) bool {
	if w <= 0 || h <= 0 {
		return false
	}
	ratio := float64(w) / float64(h)
	want := float64(AspectW) / float64(AspectH)
	d := ratio/want - 1
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// Apply rotates, crops and scales src into a dstW×dstH image.
func Apply(src image.Image, p Params, dstW, dstH int) *image.NRGBA {
	img := src
	if p.Rotation == Rotate90 {
		// imaging rotates counter-clockwise
		img = imaging.Rotate270(img)
	}
	crop := p.Crop.Add(img.Bounds().Min)
	cropped := imaging.Crop(img, crop)
	if cropped.Bounds().Dx() == dstW && cropped.Bounds().Dy() == dstH {
		return cropped
	}
	return imaging.Resize(cropped, dstW, dstH, imaging.Linear)
}

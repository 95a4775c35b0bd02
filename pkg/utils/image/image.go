package image

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
)

type PixelFormat string

const (
	PixelJPEG  PixelFormat = "jpeg"
	PixelRGB24 PixelFormat = "rgb24"
)

// Decode turns one raw camera frame into an image. width and height are
// only consulted for uncompressed formats.
func Decode(data []byte, format PixelFormat, width, height int) (image.Image, error) {
	switch format {
	case PixelJPEG, "":
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg frame: %w", err)
		}
		return img, nil
	case PixelRGB24:
		if width <= 0 || height <= 0 || len(data) < width*height*3 {
			return nil, fmt.Errorf("rgb24 frame of %d bytes does not fit %dx%d", len(data), width, height)
		}
		return NewRGB(data, width, height), nil
	}
	return nil, fmt.Errorf("unsupported pixel format %q", format)
}

// DecodeConfig reads the dimensions of a JPEG without decoding pixels.
func DecodeConfig(data []byte) (width, height int, err error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func EncodeJPEG(img image.Image, dst io.Writer, quality int) error {
	return jpeg.Encode(dst, img, &jpeg.Options{Quality: quality})
}

func JPEGBytes(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeJPEG(img, &buf, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RGB wraps a packed RGB24 buffer without copying it.
type RGB struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

func NewRGB(data []byte, width, height int) *RGB {
	return &RGB{
		Pix:    data,
		Stride: len(data) / height,
		Rect:   image.Rect(0, 0, width, height),
	}
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
	s := p.Pix[i : i+3 : i+3]
	return color.RGBA{R: s[0], G: s[1], B: s[2], A: 0xff}
}

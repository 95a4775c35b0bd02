package video

import (
	"fmt"
	"os"

	"github.com/icza/mjpeg"
)

// Builder writes an MJPEG AVI. The AVI index is written at Close, so the
// writer needs a seekable file; it lives in a temp file that is removed as
// soon as the payload has been read back.
type Builder struct {
	codec Codec
	path  string

	cnt int
	aw  mjpeg.AviWriter
}

func NewBuilder(dir string, c Codec, p Params) (*Builder, error) {
	f, err := os.CreateTemp(dir, "portrait-*"+c.Ext)
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_ = f.Close()

	aw, err := mjpeg.New(path, int32(p.Width), int32(p.Height), int32(p.FPS))
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if p.Audio {
		logger.Warn("builtin mjpeg writer records video only, audio dropped")
	}

	return &Builder{
		codec: c,
		path:  path,
		aw:    aw,
	}, nil
}

func (b *Builder) Codec() Codec {
	return b.codec
}

func (b *Builder) WriteFrame(frame []byte) error {
	if err := b.aw.AddFrame(frame); err != nil {
		return err
	}
	b.cnt++

	return nil
}

func (b *Builder) WriteAudio([]byte) error {
	return nil
}

func (b *Builder) Close() ([]byte, error) {
	defer os.Remove(b.path)
	if err := b.aw.Close(); err != nil {
		return nil, err
	}
	if b.cnt == 0 {
		return nil, fmt.Errorf("no frames recorded")
	}
	return os.ReadFile(b.path)
}

func (b *Builder) Abort() {
	_ = b.aw.Close()
	_ = os.Remove(b.path)
}

func (b *Builder) GetCnt() int {
	return b.cnt
}

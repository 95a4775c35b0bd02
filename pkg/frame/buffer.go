package frame

import (
	"sync"
	"time"

	"portrait-capture/pkg/utils"
)

// Canonical is one published canonical frame, JPEG encoded.
type Canonical struct {
	Data   []byte
	Width  int
	Height int
	Seq    uint64
	At     time.Time
}

// Buffer is the fixed-size canonical frame buffer. Its output feeds the
// encoder while recording and the canvas preview otherwise.
type Buffer struct {
	width  int
	height int

	mu     sync.RWMutex
	latest Canonical
	params Params
	seq    uint64

	out *utils.Fanout[Canonical]
}

func NewBuffer() *Buffer {
	return NewBufferSize(CanonicalWidth, CanonicalHeight)
}

func NewBufferSize(w, h int) *Buffer {
	return &Buffer{width: w, height: h, out: utils.NewFanout[Canonical]()}
}

func (b *Buffer) Size() (int, int) {
	return b.width, b.height
}

func (b *Buffer) Params() Params {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.params
}

func (b *Buffer) Latest() (Canonical, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.seq > 0
}

// Subscribe returns published frames until the returned func is called.
func (b *Buffer) Subscribe(buffer int) (<-chan Canonical, func()) {
	return b.out.Subscribe(buffer)
}

func (b *Buffer) publish(data []byte, p Params) {
	b.mu.Lock()
	b.seq++
	c := Canonical{Data: data, Width: b.width, Height: b.height, Seq: b.seq, At: time.Now()}
	b.latest = c
	b.params = p
	b.mu.Unlock()

	b.out.Publish(c)
}

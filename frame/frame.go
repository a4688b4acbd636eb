package frame

import (
	"sync"
	"sync/atomic"
	"time"
)

// Format is the pixel or codec layout of a frame buffer. The numeric values
// are written to disk and onto the wire, so they must not change.
type Format uint32

const (
	FormatUnknown Format = 0
	FormatGray8   Format = 1
	FormatRGB24   Format = 2
	FormatBGR24   Format = 3
	FormatYUYV    Format = 4
	FormatJPEG    Format = 16
	FormatH264    Format = 17
	FormatH265    Format = 18
)

var formatNames = map[Format]string{
	FormatUnknown: "unknown",
	FormatGray8:   "gray8",
	FormatRGB24:   "rgb24",
	FormatBGR24:   "bgr24",
	FormatYUYV:    "yuyv",
	FormatJPEG:    "jpeg",
	FormatH264:    "h264",
	FormatH265:    "h265",
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return "unknown"
}

// IsCompressed reports whether the buffer holds codec bytes rather than pixels.
func (f Format) IsCompressed() bool {
	return f >= FormatJPEG
}

// Ext is the file extension used for raw per-source partition files.
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return "mjpeg"
	case FormatH264:
		return "h264"
	case FormatH265:
		return "h265"
	case FormatUnknown:
		return "bin"
	}
	return f.String()
}

// ParseFormat maps a config name back to a Format.
func ParseFormat(s string) (Format, bool) {
	for f, n := range formatNames {
		if n == s {
			return f, true
		}
	}
	return FormatUnknown, false
}

type Meta struct {
	Width         int
	Height        int
	BytesPerPixel int
	Format        Format
	Captured      time.Time
}

// Frame owns its buffer. Whoever holds a *Frame is the only party allowed to
// touch Data and is responsible for calling Release exactly once; handing the
// pointer to a queue or callback hands over that responsibility.
type Frame struct {
	Meta
	data      []byte
	blank     bool
	released  atomic.Bool
	onRelease func(*Frame)
}

var bufPool = sync.Pool{
	New: func() any { return new([]byte) },
}

func getBuf(n int) []byte {
	p := bufPool.Get().(*[]byte)
	if cap(*p) < n {
		return make([]byte, n)
	}
	return (*p)[:n]
}

func putBuf(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:0]
	bufPool.Put(&b)
}

// New wraps data without copying. The caller gives up data.
func New(data []byte, m Meta) *Frame {
	return &Frame{Meta: m, data: data}
}

// Blank is the stand-in produced when a transform fails. It carries the
// geometry of the failed frame but no pixels.
func Blank(m Meta) *Frame {
	return &Frame{Meta: m, blank: true}
}

// OnRelease registers fn to run once, when the frame is released.
func (f *Frame) OnRelease(fn func(*Frame)) *Frame {
	f.onRelease = fn
	return f
}

func (f *Frame) Data() []byte {
	if f.released.Load() {
		return nil
	}
	return f.data
}

func (f *Frame) Len() int {
	return len(f.Data())
}

func (f *Frame) IsBlank() bool {
	return f.blank
}

func (f *Frame) Released() bool {
	return f.released.Load()
}

// View lends the buffer out. The view must not outlive the frame.
func (f *Frame) View() View {
	return View{Meta: f.Meta, data: f.Data()}
}

// Clone returns an owned copy backed by a pooled buffer.
func (f *Frame) Clone() *Frame {
	return f.View().Clone()
}

// Release hands the buffer back. Only the first call has any effect.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.onRelease != nil {
		f.onRelease(f)
	}
	putBuf(f.data)
	f.data = nil
}

// View is a borrowed frame: metadata plus a slice owned by someone else.
// It is never released and must be cloned to be kept.
type View struct {
	Meta
	data []byte
}

func NewView(data []byte, m Meta) View {
	return View{Meta: m, data: data}
}

func (v View) Bytes() []byte {
	return v.data
}

func (v View) Len() int {
	return len(v.data)
}

func (v View) Clone() *Frame {
	b := getBuf(len(v.data))
	copy(b, v.data)
	return &Frame{Meta: v.Meta, data: b}
}

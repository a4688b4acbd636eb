// Package codec turns captured buffers into 8-bit grayscale frames for
// analysis.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/greendrake/gazecap/frame"
)

var (
	ErrUnsupported = errors.New("codec: unsupported format")
	ErrShortBuffer = errors.New("codec: buffer shorter than geometry")
)

// Decoder produces a new owned frame and leaves the input untouched. Both
// are released by the caller.
type Decoder interface {
	Decode(f *frame.Frame) (*frame.Frame, error)
}

// Gray decodes JPEG and the raw pixel formats to FormatGray8.
type Gray struct{}

func (Gray) Decode(f *frame.Frame) (*frame.Frame, error) {
	if f == nil || f.Released() {
		return nil, errors.New("codec: no frame")
	}
	switch f.Format {
	case frame.FormatGray8:
		if err := checkLen(f, 1); err != nil {
			return nil, err
		}
		return f.Clone(), nil
	case frame.FormatRGB24, frame.FormatBGR24:
		if err := checkLen(f, 3); err != nil {
			return nil, err
		}
		return packed(f, 3, f.Format == frame.FormatBGR24), nil
	case frame.FormatYUYV:
		if err := checkLen(f, 2); err != nil {
			return nil, err
		}
		// luma is every other byte
		return project(f, func(src []byte, i int) byte { return src[2*i] }), nil
	case frame.FormatJPEG:
		return decodeJPEG(f)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, f.Format)
}

func checkLen(f *frame.Frame, bpp int) error {
	if f.Width <= 0 || f.Height <= 0 || f.Len() < f.Width*f.Height*bpp {
		return fmt.Errorf("%w: %dx%d %s with %d bytes", ErrShortBuffer, f.Width, f.Height, f.Format, f.Len())
	}
	return nil
}

func grayMeta(f *frame.Frame, w, h int) frame.Meta {
	return frame.Meta{
		Width:         w,
		Height:        h,
		BytesPerPixel: 1,
		Format:        frame.FormatGray8,
		Captured:      f.Captured,
	}
}

func project(f *frame.Frame, px func(src []byte, i int) byte) *frame.Frame {
	n := f.Width * f.Height
	out := make([]byte, n)
	src := f.Data()
	for i := 0; i < n; i++ {
		out[i] = px(src, i)
	}
	return frame.New(out, grayMeta(f, f.Width, f.Height))
}

// packed uses the integer BT.601 luma weights.
func packed(f *frame.Frame, bpp int, bgr bool) *frame.Frame {
	return project(f, func(src []byte, i int) byte {
		p := src[i*bpp:]
		r, g, b := uint32(p[0]), uint32(p[1]), uint32(p[2])
		if bgr {
			r, b = b, r
		}
		return byte((299*r + 587*g + 114*b) / 1000)
	})
}

func decodeJPEG(f *frame.Frame) (*frame.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(f.Data()))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h)
	switch m := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			copy(out[y*w:(y+1)*w], m.Pix[y*m.Stride:y*m.Stride+w])
		}
	case *image.YCbCr:
		for y := 0; y < h; y++ {
			copy(out[y*w:(y+1)*w], m.Y[y*m.YStride:y*m.YStride+w])
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out[y*w+x] = byte((299*r + 587*g + 114*bl) / 1000 >> 8)
			}
		}
	}
	return frame.New(out, grayMeta(f, w, h)), nil
}

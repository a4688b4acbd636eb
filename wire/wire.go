// Package wire frames records for files and sockets.
//
// Every record is a 16 byte little-endian header followed by the payload:
//
//	[type u32][size u32][format u32][seq u32][payload]
//
// size counts the format and seq fields plus the payload, so it is always
// 8 + len(payload).
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type Type uint32

const (
	TypeFrameA Type = 1
	TypeFrameB Type = 2
	TypeResult Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeFrameA:
		return "frame-a"
	case TypeFrameB:
		return "frame-b"
	case TypeResult:
		return "result"
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

const (
	HeaderSize = 16
	// size covers format and seq as well as the payload
	sizeOverhead = 8
	MaxPayload   = 64 << 20
)

var (
	ErrTooLarge    = errors.New("wire: payload exceeds maximum")
	ErrUnknownType = errors.New("wire: unknown record type")
	ErrShortSize   = errors.New("wire: size field smaller than header remainder")
)

type Header struct {
	Type   Type
	Size   uint32
	Format uint32
	Seq    uint32
}

func (h Header) PayloadLen() int {
	return int(h.Size) - sizeOverhead
}

func (h Header) validate() error {
	switch h.Type {
	case TypeFrameA, TypeFrameB, TypeResult:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownType, uint32(h.Type))
	}
	if h.Size < sizeOverhead {
		return fmt.Errorf("%w: %d", ErrShortSize, h.Size)
	}
	if h.PayloadLen() > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, h.PayloadLen())
	}
	return nil
}

// Record is one decoded record. Payload aliases the decode buffer.
type Record struct {
	Header
	Payload []byte
}

func NewRecord(t Type, format, seq uint32, payload []byte) Record {
	return Record{
		Header: Header{
			Type:   t,
			Size:   uint32(len(payload) + sizeOverhead),
			Format: format,
			Seq:    seq,
		},
		Payload: payload,
	}
}

// Len is the number of bytes the record occupies once encoded.
func (r Record) Len() int {
	return HeaderSize + len(r.Payload)
}

// Append encodes the record onto dst.
func Append(dst []byte, r Record) ([]byte, error) {
	if len(r.Payload) > MaxPayload {
		return dst, ErrTooLarge
	}
	r.Size = uint32(len(r.Payload) + sizeOverhead)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(r.Type))
	dst = binary.LittleEndian.AppendUint32(dst, r.Size)
	dst = binary.LittleEndian.AppendUint32(dst, r.Format)
	dst = binary.LittleEndian.AppendUint32(dst, r.Seq)
	return append(dst, r.Payload...), nil
}

func Encode(r Record) ([]byte, error) {
	return Append(make([]byte, 0, r.Len()), r)
}

// WriteTo writes the header and the payload to w.
func WriteTo(w io.Writer, r Record) error {
	if len(r.Payload) > MaxPayload {
		return ErrTooLarge
	}
	r.Size = uint32(len(r.Payload) + sizeOverhead)
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, binary.LittleEndian, r.Header); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(r.Payload)
	return err
}

// Decode parses one record from the front of b and returns the bytes consumed.
// io.ErrUnexpectedEOF means b does not yet hold a whole record.
func Decode(b []byte) (Record, int, error) {
	if len(b) < HeaderSize {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	var h Header
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return Record{}, 0, err
	}
	if err := h.validate(); err != nil {
		return Record{}, 0, err
	}
	end := HeaderSize + h.PayloadLen()
	if len(b) < end {
		return Record{}, 0, io.ErrUnexpectedEOF
	}
	return Record{Header: h, Payload: b[HeaderSize:end]}, end, nil
}

// Reader reads consecutive records from a stream.
type Reader struct {
	r   io.Reader
	hdr [HeaderSize]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record with a freshly allocated payload. It returns
// io.EOF at a clean record boundary and io.ErrUnexpectedEOF mid-record.
func (rd *Reader) Next() (Record, error) {
	if _, err := io.ReadFull(rd.r, rd.hdr[:]); err != nil {
		return Record{}, err
	}
	var h Header
	if err := binary.Read(bytes.NewReader(rd.hdr[:]), binary.LittleEndian, &h); err != nil {
		return Record{}, err
	}
	if err := h.validate(); err != nil {
		return Record{}, err
	}
	payload := make([]byte, h.PayloadLen())
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Record{Header: h, Payload: payload}, nil
}

// Package result holds the per-tick analysis record and its serialized form.
// The recorder and the socket sink treat the serialized bytes as opaque.
package result

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type Point struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
}

type Vec3 struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	Z float64 `msgpack:"z" json:"z"`
}

// Ellipse is a fitted pupil outline in image coordinates. Angle is in degrees.
type Ellipse struct {
	Center Point   `msgpack:"c" json:"center"`
	Axes   Point   `msgpack:"ax" json:"axes"`
	Angle  float64 `msgpack:"a" json:"angle"`
}

type Result struct {
	Seq          uint32        `msgpack:"seq" json:"seq"`
	Source       uint8         `msgpack:"src" json:"source"`
	Success      bool          `msgpack:"ok" json:"success"`
	Captured     time.Time     `msgpack:"ts" json:"captured"`
	Duration     time.Duration `msgpack:"dur" json:"duration"`
	Pupil        Ellipse       `msgpack:"pupil" json:"pupil"`
	PupilCenter  Vec3          `msgpack:"p3" json:"pupil_center"`
	CorneaCenter Vec3          `msgpack:"c3" json:"cornea_center"`
	Glints       []Point       `msgpack:"glints" json:"glints"`
	Contours     [][]Point     `msgpack:"contours" json:"contours"`
	Gaze         Point         `msgpack:"gaze" json:"gaze"`
}

// Failed is the record produced for a tick whose decode or analysis did not
// succeed. It keeps the sequence id so downstream readers see no gap.
func Failed(seq uint32, source uint8, captured time.Time) *Result {
	return &Result{
		Seq:      seq,
		Source:   source,
		Captured: captured,
	}
}

func Marshal(r *Result) ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result %d: %w", r.Seq, err)
	}
	return b, nil
}

func Unmarshal(b []byte) (*Result, error) {
	r := &Result{}
	if err := msgpack.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return r, nil
}

package frame

import (
	"github.com/greendrake/gazecap/result"
)

type SourceID uint8

const (
	SourceA SourceID = 0 // eye camera, allocates sequence ids
	SourceB SourceID = 1 // scene camera

	NumSources = 2
)

func (s SourceID) String() string {
	switch s {
	case SourceA:
		return "A"
	case SourceB:
		return "B"
	}
	return "?"
}

// Sequenced is a frame tagged with the camera it came from and the tick it
// belongs to. Result is attached once analysis has run.
type Sequenced struct {
	Frame  *Frame
	Source SourceID
	Seq    uint32
	Result *result.Result
}

// Failed builds the blank, unsuccessful item that replaces one whose
// transform failed.
func Failed(src SourceID, seq uint32, m Meta) *Sequenced {
	return &Sequenced{
		Frame:  Blank(m),
		Source: src,
		Seq:    seq,
		Result: result.Failed(seq, uint8(src), m.Captured),
	}
}

func (s *Sequenced) Release() {
	if s == nil || s.Frame == nil {
		return
	}
	s.Frame.Release()
	s.Frame = nil
}

// Pair is one matched tick. Frames is indexed by SourceID.
type Pair struct {
	Seq    uint32
	Frames [NumSources]*Sequenced
}

func (p *Pair) Get(src SourceID) *Sequenced {
	return p.Frames[src]
}

func (p *Pair) Release() {
	if p == nil {
		return
	}
	for i, s := range p.Frames {
		s.Release()
		p.Frames[i] = nil
	}
}

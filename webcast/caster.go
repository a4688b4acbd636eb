package webcast

import (
	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/liveview"
	"github.com/greendrake/gazecap/result"
	"github.com/greendrake/gazecap/util"
	"github.com/greendrake/gazecap/wire"
	"github.com/greendrake/server_client_hierarchy"
	"github.com/sirupsen/logrus"
)

// Caster puppet-masters webcast clients. Like any non-principal Node it stops
// once its last client is gone. Each message it outputs is one matched pair
// encoded as wire records.
type Caster struct {
	server_client_hierarchy.Node
	live *liveview.Buffer
	log  *logrus.Entry
}

func NewCaster(live *liveview.Buffer) *Caster {
	c := &Caster{
		live: live,
		log:  util.Logger("webcast"),
	}
	c.GetNode().ID = "Caster"
	c.SetTask(func(ch chan bool) {
		for {
			select {
			case <-ch:
				return
			case <-c.Node.Ctx.Done():
				<-ch
				return
			case <-live.Notify():
				c.castNewest()
			}
		}
	})
	return c
}

// castNewest skips whatever the viewers have fallen behind on.
func (c *Caster) castNewest() {
	p := c.live.PopNewest()
	if p == nil {
		return
	}
	msg, err := EncodePair(p)
	p.Release()
	if err != nil {
		c.log.WithError(err).Warn("cannot encode pair")
		return
	}
	c.Output(msg)
}

// EncodePair renders p as consecutive records: A frame, B frame, then the
// result of each side. Blank frames are left out.
func EncodePair(p *frame.Pair) ([]byte, error) {
	var (
		buf []byte
		err error
	)
	for i, s := range p.Frames {
		if s == nil || s.Frame == nil || s.Frame.IsBlank() {
			continue
		}
		t := wire.TypeFrameA
		if frame.SourceID(i) == frame.SourceB {
			t = wire.TypeFrameB
		}
		if buf, err = wire.Append(buf, wire.NewRecord(t, uint32(s.Frame.Format), p.Seq, s.Frame.Data())); err != nil {
			return nil, err
		}
	}
	for _, s := range p.Frames {
		if s == nil || s.Result == nil {
			continue
		}
		b, err := result.Marshal(s.Result)
		if err != nil {
			return nil, err
		}
		if buf, err = wire.Append(buf, wire.NewRecord(wire.TypeResult, uint32(s.Source), p.Seq, b)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

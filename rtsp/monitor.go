package rtsp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/util"
	"github.com/pion/rtp"
)

const frameTimeout = 5 * time.Second

var (
	ErrNoVideo  = errors.New("rtsp: no H264 or H265 media")
	ErrTimeout  = errors.New("rtsp: no frame within timeout")
	ErrShutDown = errors.New("rtsp: monitor shut down")
)

// Monitor pulls one H.264 or H.265 video track and hands out each access
// unit as an Annex-B frame.
type Monitor struct {
	client       *gortsplib.Client
	Ctx          context.Context
	frameChannel chan *frame.Frame
	vps          []byte
	sps          []byte
	pps          []byte
}

func NewMonitor(ctx context.Context, address string) (*Monitor, error) {
	log := util.Logger("rtsp").WithField("address", address)
	c := &gortsplib.Client{
		OnPacketLost: func(err error) {
			log.WithError(err).Debug("packet lost")
		},
		OnDecodeError: func(err error) {
			log.WithError(err).Debug("decode error")
		},
	}

	u, err := base.ParseURL(address)
	if err != nil {
		return nil, err
	}
	if err = c.Start(u.Scheme, u.Host); err != nil {
		return nil, err
	}
	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return nil, err
	}

	monitor := &Monitor{
		client:       c,
		Ctx:          ctx,
		frameChannel: make(chan *frame.Frame),
	}
	if err = monitor.setup(desc); err != nil {
		c.Close()
		return nil, err
	}
	if _, err = c.Play(nil); err != nil {
		c.Close()
		return nil, err
	}
	return monitor, nil
}

// setup prefers H.265 and falls back to H.264.
func (m *Monitor) setup(desc *description.Session) error {
	var h265f *format.H265
	if medi := desc.FindFormat(&h265f); medi != nil {
		rtpDec, err := h265f.CreateDecoder()
		if err != nil {
			return err
		}
		if _, err = m.client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
			return err
		}
		m.onPacket(medi, h265f, func(pkt *rtp.Packet) ([][]byte, error) { return rtpDec.Decode(pkt) }, m.buildH265Frame)
		return nil
	}
	var h264f *format.H264
	if medi := desc.FindFormat(&h264f); medi != nil {
		rtpDec, err := h264f.CreateDecoder()
		if err != nil {
			return err
		}
		if _, err = m.client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
			return err
		}
		m.onPacket(medi, h264f, func(pkt *rtp.Packet) ([][]byte, error) { return rtpDec.Decode(pkt) }, m.buildH264Frame)
		return nil
	}
	return ErrNoVideo
}

func (m *Monitor) onPacket(
	medi *description.Media,
	forma format.Format,
	decode func(*rtp.Packet) ([][]byte, error),
	build func([][]byte) (*frame.Frame, error),
) {
	m.client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		if _, ok := m.client.PacketPTS(medi, pkt); !ok {
			return
		}
		au, err := decode(pkt)
		if err != nil {
			return
		}
		f, err := build(au)
		if err != nil || f == nil {
			return
		}
		select {
		case m.frameChannel <- f:
		case <-m.Ctx.Done():
			f.Release()
		}
	})
}

func (m *Monitor) ShutDown() {
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

func (m *Monitor) GetFrame() (*frame.Frame, error) {
	select {
	case <-time.After(frameTimeout):
		return nil, ErrTimeout
	case <-m.Ctx.Done():
		return nil, ErrShutDown
	case f := <-m.frameChannel:
		return f, nil
	}
}

func meta(f frame.Format) frame.Meta {
	return frame.Meta{Format: f, Captured: time.Now()}
}

// ported from gortsplib
func (m *Monitor) buildH264Frame(au [][]byte) (*frame.Frame, error) {
	var filteredAU [][]byte

	nonIDRPresent := false
	idrPresent := false

	for _, nalu := range au {
		typ := h264.NALUType(nalu[0] & 0x1F)
		switch typ {
		case h264.NALUTypeSPS:
			m.sps = nalu
			continue

		case h264.NALUTypePPS:
			m.pps = nalu
			continue

		case h264.NALUTypeAccessUnitDelimiter:
			continue

		case h264.NALUTypeIDR:
			idrPresent = true

		case h264.NALUTypeNonIDR:
			nonIDRPresent = true
		}

		filteredAU = append(filteredAU, nalu)
	}

	au = filteredAU

	if au == nil || (!nonIDRPresent && !idrPresent) {
		return nil, nil
	}

	// add SPS and PPS before access unit that contains an IDR
	if idrPresent {
		if m.sps == nil || m.pps == nil {
			return nil, fmt.Errorf("IDR before SPS/PPS")
		}
		au = append([][]byte{m.sps, m.pps}, au...)
	}

	enc, err := h264.AnnexBMarshal(au)
	if err != nil {
		return nil, err
	}
	return frame.New(enc, meta(frame.FormatH264)), nil
}

func (m *Monitor) buildH265Frame(au [][]byte) (*frame.Frame, error) {
	var filteredAU [][]byte

	isRandomAccess := false

	for _, nalu := range au {
		typ := h265.NALUType((nalu[0] >> 1) & 0b111111)
		switch typ {
		case h265.NALUType_VPS_NUT:
			m.vps = nalu
			continue

		case h265.NALUType_SPS_NUT:
			m.sps = nalu
			continue

		case h265.NALUType_PPS_NUT:
			m.pps = nalu
			continue

		case h265.NALUType_AUD_NUT:
			continue

		case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
			isRandomAccess = true
		}

		filteredAU = append(filteredAU, nalu)
	}

	au = filteredAU

	if au == nil {
		return nil, nil
	}

	// add VPS, SPS and PPS before random access access unit
	if isRandomAccess {
		if m.vps == nil || m.sps == nil || m.pps == nil {
			return nil, fmt.Errorf("random access unit before VPS/SPS/PPS")
		}
		au = append([][]byte{m.vps, m.sps, m.pps}, au...)
	}

	enc, err := h264.AnnexBMarshal(au)
	if err != nil {
		return nil, err
	}
	return frame.New(enc, meta(frame.FormatH265)), nil
}

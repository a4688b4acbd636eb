package replay

import (
	"fmt"
	"math"

	"github.com/greendrake/fractions"
)

// PTS yields whole-millisecond frame intervals whose running sum tracks the
// exact frame period. At 30 fps it alternates 34, 33, 33.
type PTS struct {
	FPS          uint8
	numerator    uint8
	denominator  uint8
	currentIndex uint8
	loSpf        uint8
	hiSpf        uint8
	isRound      bool
}

func isRound(number float64) bool {
	return number == math.Round(number) || number == math.Trunc(number)
}

func NewPTS(fps uint8) (*PTS, error) {
	if fps == 0 {
		return nil, fmt.Errorf("fps must be > 0")
	}
	pts := &PTS{
		FPS: fps,
	}
	spf := float64(1000 / float64(fps))
	pts.isRound = isRound(spf)
	if pts.isRound {
		pts.loSpf = uint8(spf)
		return pts, nil
	}
	pts.loSpf = uint8(math.Floor(spf))
	pts.hiSpf = pts.loSpf + 1
	frac, err := fractions.FloatToFrac(spf - float64(pts.loSpf))
	if err != nil {
		return nil, fmt.Errorf("could not create fraction for FPS %d: %w", fps, err)
	}
	pts.numerator = uint8(fractions.GetNumerator(frac))
	pts.denominator = uint8(fractions.GetDenominator(frac))
	pts.currentIndex = 1
	return pts, nil
}

// Next returns the next frame interval in milliseconds.
func (pts *PTS) Next() uint8 {
	if pts.isRound {
		return pts.loSpf
	}
	var next uint8
	if pts.currentIndex <= pts.numerator {
		next = pts.hiSpf
	} else {
		next = pts.loSpf
	}
	if pts.currentIndex == pts.denominator {
		// rewind
		pts.currentIndex = 1
	} else {
		pts.currentIndex++
	}
	return next
}

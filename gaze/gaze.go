// Package gaze holds the analysis side of the pipeline: anything that turns
// a grayscale eye image into a result record.
package gaze

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/result"
)

var (
	ErrNoPupil     = errors.New("gaze: no pupil found")
	ErrNotGray     = errors.New("gaze: analyzer expects gray8 input")
	identityAffine = [6]float64{1, 0, 0, 0, 1, 0}
)

// Analyzer must not keep f after returning.
type Analyzer interface {
	Analyze(f *frame.Frame) (*result.Result, error)
}

// DarkPupil finds the pupil as the centroid of the dark pixels, fits an
// ellipse from their second moments and collects bright corneal glints as
// connected blobs. The pupil centre is mapped to scene coordinates with
// Affine (row-major 2x3). A zero Affine means identity.
type DarkPupil struct {
	PupilThreshold uint8
	GlintThreshold uint8
	MinPupilArea   int
	MaxGlints      int
	Affine         [6]float64
}

func NewDarkPupil(affine [6]float64) *DarkPupil {
	return &DarkPupil{
		PupilThreshold: 40,
		GlintThreshold: 230,
		MinPupilArea:   16,
		MaxGlints:      8,
		Affine:         affine,
	}
}

func (d *DarkPupil) Analyze(f *frame.Frame) (*result.Result, error) {
	start := time.Now()
	if f.Format != frame.FormatGray8 {
		return nil, fmt.Errorf("%w: got %s", ErrNotGray, f.Format)
	}
	w, h := f.Width, f.Height
	pix := f.Data()
	if len(pix) < w*h {
		return nil, fmt.Errorf("gaze: %dx%d frame with %d bytes", w, h, len(pix))
	}

	var m00, m10, m01, m20, m11, m02 float64
	for y := 0; y < h; y++ {
		row := pix[y*w : (y+1)*w]
		for x, v := range row {
			if v >= d.PupilThreshold {
				continue
			}
			fx, fy := float64(x), float64(y)
			m00++
			m10 += fx
			m01 += fy
			m20 += fx * fx
			m11 += fx * fy
			m02 += fy * fy
		}
	}
	if int(m00) < max(d.MinPupilArea, 1) {
		return nil, ErrNoPupil
	}
	cx, cy := m10/m00, m01/m00
	a := m20/m00 - cx*cx
	b := m11/m00 - cx*cy
	c := m02/m00 - cy*cy
	common := math.Sqrt(((a-c)/2)*((a-c)/2) + b*b)
	l1 := (a+c)/2 + common
	l2 := math.Max((a+c)/2-common, 0)

	r := &result.Result{
		Success:  true,
		Captured: f.Captured,
		Pupil: result.Ellipse{
			Center: result.Point{X: cx, Y: cy},
			// a filled ellipse has variance (semi-axis/2)^2 along each axis
			Axes:  result.Point{X: 2 * math.Sqrt(l1), Y: 2 * math.Sqrt(l2)},
			Angle: 0.5 * math.Atan2(2*b, a-c) * 180 / math.Pi,
		},
		PupilCenter: result.Vec3{X: cx, Y: cy},
	}
	r.Glints, r.Contours = d.glints(pix, w, h)
	r.Gaze = d.mapScene(cx, cy)
	r.Duration = time.Since(start)
	return r, nil
}

func (d *DarkPupil) mapScene(x, y float64) result.Point {
	m := d.Affine
	if m == [6]float64{} {
		m = identityAffine
	}
	return result.Point{
		X: m[0]*x + m[1]*y + m[2],
		Y: m[3]*x + m[4]*y + m[5],
	}
}

// glints labels 4-connected bright blobs and returns their centroids and
// outer pixels, largest blobs first up to MaxGlints.
func (d *DarkPupil) glints(pix []byte, w, h int) ([]result.Point, [][]result.Point) {
	seen := make([]bool, w*h)
	type blob struct {
		center  result.Point
		contour []result.Point
		area    int
	}
	var blobs []blob
	stack := make([]int, 0, 64)
	bright := func(i int) bool { return pix[i] >= d.GlintThreshold }

	for start := range seen {
		if seen[start] || !bright(start) {
			continue
		}
		var bl blob
		var sx, sy float64
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			bl.area++
			sx += float64(x)
			sy += float64(y)
			edge := false
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					edge = true
					continue
				}
				j := ny*w + nx
				if !bright(j) {
					edge = true
					continue
				}
				if !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			}
			if edge {
				bl.contour = append(bl.contour, result.Point{X: float64(x), Y: float64(y)})
			}
		}
		bl.center = result.Point{X: sx / float64(bl.area), Y: sy / float64(bl.area)}
		blobs = append(blobs, bl)
	}

	// keep the largest; small n, insertion sort is enough
	for i := 1; i < len(blobs); i++ {
		for j := i; j > 0 && blobs[j].area > blobs[j-1].area; j-- {
			blobs[j], blobs[j-1] = blobs[j-1], blobs[j]
		}
	}
	if d.MaxGlints > 0 && len(blobs) > d.MaxGlints {
		blobs = blobs[:d.MaxGlints]
	}
	var centers []result.Point
	var contours [][]result.Point
	for _, bl := range blobs {
		centers = append(centers, bl.center)
		contours = append(contours, bl.contour)
	}
	return centers, contours
}

package capture

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
)

// Pattern fills pix (BGRA, tightly packed) with frame n of an animation.
type Pattern func(n, width, height int, pix []byte)

var patterns = map[string]Pattern{
	"wheel":    colorWheel,
	"waves":    alphaWaves,
	"plasma":   plasma,
	"orbits":   orbitingCircles,
	"gradient": gradientSweep,
	"bars":     colorBars,
}

// Animations lists the built-in pattern names.
func Animations() []string {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Synthetic is a Capturer that renders an animated test pattern. Each
// Capture advances the animation by one frame.
type Synthetic struct {
	pattern Pattern
	width   uint16
	height  uint16
	frame   atomic.Int64
}

// NewSynthetic returns a capturer rendering the named animation.
func NewSynthetic(animation string, width, height uint16) (*Synthetic, error) {
	p, ok := patterns[animation]
	if !ok {
		return nil, fmt.Errorf("unknown animation %q (have %v)", animation, Animations())
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid synthetic size %dx%d", width, height)
	}
	return &Synthetic{pattern: p, width: width, height: height}, nil
}

func (s *Synthetic) Capture(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	n := int(s.frame.Add(1) - 1)
	snap := NewSnapshot(s.width, s.height)
	s.pattern(n, int(s.width), int(s.height), snap.Pix)
	return snap, nil
}

func putPixel(pix []byte, i int, r, g, b, a float64) {
	pix[i] = uint8(b * 255)
	pix[i+1] = uint8(g * 255)
	pix[i+2] = uint8(r * 255)
	pix[i+3] = uint8(a * 255)
}

// colorWheel rotates a hue wheel once every 120 frames.
func colorWheel(n, width, height int, pix []byte) {
	cx, cy := float64(width)/2, float64(height)/2
	radius := math.Min(cx, cy) * 0.8
	rotation := float64(n) * 2 * math.Pi / 120

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 4
			dx, dy := float64(x)-cx, float64(y)-cy
			dist := math.Hypot(dx, dy)
			if dist > radius {
				continue
			}
			hue := (math.Atan2(dy, dx) + rotation) * 180 / math.Pi
			if hue < 0 {
				hue += 360
			}
			r, g, b := hsvToRGB(hue, dist/radius, 1)
			putPixel(pix, i, r, g, b, 1-(dist/radius)*0.7)
		}
	}
}

func alphaWaves(n, width, height int, pix []byte) {
	t := float64(n) * 0.1
	for y := 0; y < height; y++ {
		fy := float64(y) / float64(height) * 3 * math.Pi
		for x := 0; x < width; x++ {
			fx := float64(x) / float64(width) * 4 * math.Pi
			w1 := math.Sin(fx + t)
			w2 := math.Sin(fy + t*1.3)
			w3 := math.Sin((fx+fy)*0.5 + t*0.7)
			alpha := math.Max(0.1, (w1*w2+1)/2)
			putPixel(pix, (y*width+x)*4, (w1+1)/2, (w2+1)/2, (w3+1)/2, alpha)
		}
	}
}

func plasma(n, width, height int, pix []byte) {
	t := float64(n) * 0.05
	for y := 0; y < height; y++ {
		fy := float64(y) / float64(height)
		for x := 0; x < width; x++ {
			fx := float64(x) / float64(width)
			v := (math.Sin(fx*10+t) +
				math.Sin(fy*10+t*1.2) +
				math.Sin((fx+fy)*10+t*0.8) +
				math.Sin(math.Hypot(fx, fy)*10+t*1.5)) / 4
			r, g, b := hsvToRGB((v+1)*180, 0.8, 0.9)
			putPixel(pix, (y*width+x)*4, r, g, b, (math.Abs(v)+0.3)*0.9)
		}
	}
}

func orbitingCircles(n, width, height int, pix []byte) {
	const circles = 5
	cx, cy := float64(width)/2, float64(height)/2
	orbit := math.Min(cx, cy) * 0.6
	t := float64(n) * 0.1

	for c := 0; c < circles; c++ {
		phase := float64(c) * 2 * math.Pi / circles
		angle := t*(1+float64(c)*0.3) + phase
		ox := cx + math.Cos(angle)*orbit
		oy := cy + math.Sin(angle)*orbit
		size := 30 + float64(c)*10
		r, g, b := hsvToRGB(float64(c)*360/circles, 0.8, 0.9)

		// only visit the circle's bounding box
		x0, x1 := max(0, int(ox-size)), min(width-1, int(ox+size))
		y0, y1 := max(0, int(oy-size)), min(height-1, int(oy+size))
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				dist := math.Hypot(float64(x)-ox, float64(y)-oy)
				if dist > size {
					continue
				}
				i := (y*width + x) * 4
				alpha := math.Max(0, 1-(dist/size)*0.7)
				prev := float64(pix[i+3]) / 255
				out := alpha + prev*(1-alpha)
				if out <= 0 {
					continue
				}
				putPixel(pix, i,
					(r*alpha+float64(pix[i+2])/255*prev)/out,
					(g*alpha+float64(pix[i+1])/255*prev)/out,
					(b*alpha+float64(pix[i])/255*prev)/out,
					out)
			}
		}
	}
}

// gradientSweep rotates a conic gradient once every 90 frames.
func gradientSweep(n, width, height int, pix []byte) {
	rotation := float64(n) * 2 * math.Pi / 90
	cx, cy := float64(width)/2, float64(height)/2
	maxDist := math.Hypot(cx, cy)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			a := (math.Atan2(dy, dx) + rotation + math.Pi) / (2 * math.Pi)
			a -= math.Floor(a)
			r, g, b := hsvToRGB(a*360, 0.9, 0.8)
			putPixel(pix, (y*width+x)*4, r, g, b, 0.3+0.7*(1-math.Hypot(dx, dy)/maxDist))
		}
	}
}

var barColors = [8][3]float64{
	{1, 1, 1}, {1, 1, 0}, {0, 1, 1}, {0, 1, 0},
	{1, 0, 1}, {1, 0, 0}, {0, 0, 1}, {0, 0, 0},
}

// colorBars draws eight vertical bars that scroll one pixel per frame.
func colorBars(n, width, height int, pix []byte) {
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			bar := ((x + n) % width) * len(barColors) / width
			c := barColors[bar]
			putPixel(pix, (y*width+x)*4, c[0], c[1], c[2], 1)
		}
	}
}

func hsvToRGB(h, s, v float64) (float64, float64, float64) {
	h = math.Mod(h, 360) / 60
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h, 2)-1))
	m := v - c

	var r, g, b float64
	switch int(h) {
	case 0:
		r, g, b = c, x, 0
	case 1:
		r, g, b = x, c, 0
	case 2:
		r, g, b = 0, c, x
	case 3:
		r, g, b = 0, x, c
	case 4:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return r + m, g + m, b + m
}

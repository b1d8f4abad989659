// Package brick describes the sky tile a run reduces: its pixel grid, the
// linear pixel/sky transform, and the unique-area predicate that keeps
// neighboring bricks from double counting.
package brick

import (
	"fmt"
	"math"
	"regexp"
	"strconv"

	"legacypipe/internal/pipeerr"
)

// Size is the nominal side of a survey brick in degrees.
const Size = 0.25

// Brick is a rectangular sky region. A Brick is immutable for a run.
type Brick struct {
	Name     string  `yaml:"name" json:"name"`
	RA       float64 `yaml:"ra" json:"ra"`
	Dec      float64 `yaml:"dec" json:"dec"`
	RA1      float64 `yaml:"ra1" json:"ra1"`
	RA2      float64 `yaml:"ra2" json:"ra2"`
	Dec1     float64 `yaml:"dec1" json:"dec1"`
	Dec2     float64 `yaml:"dec2" json:"dec2"`
	Width    int     `yaml:"width,omitempty" json:"width"`
	Height   int     `yaml:"height,omitempty" json:"height"`
	PixScale float64 `yaml:"pixscale,omitempty" json:"pixscale"`
	Custom   bool    `yaml:"-" json:"custom"`
}

// Custom builds a brick centered on (ra, dec) that is not part of the survey
// tiling. Every pixel of a custom brick is unique to it.
func Custom(ra, dec float64, width, height int, pixscale float64) (Brick, error) {
	if width <= 0 || height <= 0 {
		return Brick{}, pipeerr.Configf("custom brick size must be positive (got %dx%d)", width, height)
	}
	if pixscale <= 0 {
		return Brick{}, pipeerr.Configf("pixscale must be positive (got %g)", pixscale)
	}
	if dec < -90 || dec > 90 {
		return Brick{}, pipeerr.Configf("dec %g out of range", dec)
	}
	ra = normalizeRA(ra)
	b := Brick{
		Name:     CustomName(ra, dec),
		RA:       ra,
		Dec:      dec,
		Width:    width,
		Height:   height,
		PixScale: pixscale,
		Custom:   true,
	}
	halfW := float64(width) * pixscale / 3600 / 2
	halfH := float64(height) * pixscale / 3600 / 2
	b.Dec1, b.Dec2 = dec-halfH, dec+halfH
	b.RA1 = normalizeRA(ra - halfW/cosDeg(dec))
	b.RA2 = normalizeRA(ra + halfW/cosDeg(dec))
	return b, nil
}

// CustomName formats the conventional name of a custom brick, for example
// custom-123456p01234 for RA 123.456 and Dec +1.234.
func CustomName(ra, dec float64) string {
	sign := 'p'
	if dec < 0 {
		sign = 'm'
	}
	return fmt.Sprintf("custom-%06d%c%05d", int(math.Round(1000*ra)), sign, int(math.Round(1000*math.Abs(dec))))
}

var surveyName = regexp.MustCompile(`^(\d{4})([pm])(\d{3})$`)

// ParseName derives the sky bounds of a survey brick from a name such as
// 1498p017 (RA 149.8, Dec +1.7). Width, height and pixscale are left zero for
// the caller to fill from configuration.
func ParseName(name string) (Brick, bool) {
	m := surveyName.FindStringSubmatch(name)
	if m == nil {
		return Brick{}, false
	}
	raTenths, _ := strconv.Atoi(m[1])
	decTenths, _ := strconv.Atoi(m[3])
	ra := float64(raTenths) / 10
	dec := float64(decTenths) / 10
	if m[2] == "m" {
		dec = -dec
	}
	if ra >= 360 || dec > 90 {
		return Brick{}, false
	}
	half := Size / 2
	b := Brick{Name: name, RA: ra, Dec: dec, Dec1: dec - half, Dec2: dec + half}
	b.RA1 = normalizeRA(ra - half/cosDeg(dec))
	b.RA2 = normalizeRA(ra + half/cosDeg(dec))
	return b, true
}

// WithDefaults fills zero geometry from the supplied defaults.
func (b Brick) WithDefaults(width, height int, pixscale float64) Brick {
	if b.Width <= 0 {
		b.Width = width
	}
	if b.Height <= 0 {
		b.Height = height
	}
	if b.PixScale <= 0 {
		b.PixScale = pixscale
	}
	return b
}

// InBounds reports whether (x, y) is a pixel of the brick grid.
func (b Brick) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < b.Width && y < b.Height
}

// Clip clamps (x, y) onto the brick grid and reports whether clamping was needed.
func (b Brick) Clip(x, y int) (int, int, bool) {
	cx := min(max(x, 0), b.Width-1)
	cy := min(max(y, 0), b.Height-1)
	return cx, cy, cx != x || cy != y
}

// PixelToSky maps brick pixel coordinates to (ra, dec) in degrees. Pixel
// centers are integers and the brick center is ((W-1)/2, (H-1)/2). RA grows
// toward decreasing x.
func (b Brick) PixelToSky(x, y float64) (float64, float64) {
	scale := b.PixScale / 3600
	cx, cy := b.center()
	dec := b.Dec + (y-cy)*scale
	ra := b.RA - (x-cx)*scale/cosDeg(b.Dec)
	return normalizeRA(ra), dec
}

// SkyToPixel is the inverse of PixelToSky.
func (b Brick) SkyToPixel(ra, dec float64) (float64, float64) {
	scale := b.PixScale / 3600
	cx, cy := b.center()
	dra := wrapDelta(ra - b.RA)
	x := cx - dra*cosDeg(b.Dec)/scale
	y := cy + (dec-b.Dec)/scale
	return x, y
}

// ContainsSky reports whether (ra, dec) lies inside the brick's RA/Dec bounds.
// Lower bounds are inclusive and upper bounds exclusive, so adjacent bricks
// never both claim a position.
func (b Brick) ContainsSky(ra, dec float64) bool {
	if dec < b.Dec1 || dec >= b.Dec2 {
		return false
	}
	ra = normalizeRA(ra)
	if b.RA1 <= b.RA2 {
		return ra >= b.RA1 && ra < b.RA2
	}
	return ra >= b.RA1 || ra < b.RA2
}

// UniqueArea returns the predicate selecting pixels that belong to this
// brick alone.
func (b Brick) UniqueArea() Area {
	if b.Custom {
		return Everywhere{}
	}
	return uniqueArea{brick: b}
}

func (b Brick) center() (float64, float64) {
	return float64(b.Width-1) / 2, float64(b.Height-1) / 2
}

// Area is a pixel predicate over the brick grid.
type Area interface {
	Contains(x, y int) bool
}

// AreaFunc adapts a function to Area.
type AreaFunc func(x, y int) bool

// Contains implements Area.
func (f AreaFunc) Contains(x, y int) bool { return f(x, y) }

// Everywhere contains every pixel.
type Everywhere struct{}

// Contains implements Area.
func (Everywhere) Contains(int, int) bool { return true }

type uniqueArea struct {
	brick Brick
}

func (u uniqueArea) Contains(x, y int) bool {
	ra, dec := u.brick.PixelToSky(float64(x), float64(y))
	return u.brick.ContainsSky(ra, dec)
}

func cosDeg(deg float64) float64 {
	c := math.Cos(deg * math.Pi / 180)
	if c < 1e-6 {
		return 1e-6
	}
	return c
}

func normalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

func wrapDelta(d float64) float64 {
	d = math.Mod(d, 360)
	if d >= 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}

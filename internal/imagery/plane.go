package imagery

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Plane is a row-major float32 image.
type Plane struct {
	W, H int
	Data []float32
}

// NewPlane allocates a zero plane.
func NewPlane(w, h int) Plane {
	return Plane{W: w, H: h, Data: make([]float32, w*h)}
}

// At returns the value at (x, y); callers keep coordinates in range.
func (p Plane) At(x, y int) float32 { return p.Data[y*p.W+x] }

// Set assigns the value at (x, y).
func (p Plane) Set(x, y int, v float32) { p.Data[y*p.W+x] = v }

// Clone returns a deep copy.
func (p Plane) Clone() Plane {
	data := make([]float32, len(p.Data))
	copy(data, p.Data)
	return Plane{W: p.W, H: p.H, Data: data}
}

type planeJSON struct {
	W    int    `json:"width"`
	H    int    `json:"height"`
	Data string `json:"data"`
}

// MarshalJSON encodes the pixels as base64 little-endian float32 so values
// survive a round trip bit for bit.
func (p Plane) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 4*len(p.Data))
	for i, v := range p.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return json.Marshal(planeJSON{W: p.W, H: p.H, Data: base64.StdEncoding.EncodeToString(buf)})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (p *Plane) UnmarshalJSON(data []byte) error {
	var raw planeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	buf, err := base64.StdEncoding.DecodeString(raw.Data)
	if err != nil {
		return fmt.Errorf("plane: decode pixels: %w", err)
	}
	if raw.W < 0 || raw.H < 0 || len(buf) != 4*raw.W*raw.H {
		return fmt.Errorf("plane: %d bytes do not match %dx%d", len(buf), raw.W, raw.H)
	}
	values := make([]float32, raw.W*raw.H)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	*p = Plane{W: raw.W, H: raw.H, Data: values}
	return nil
}

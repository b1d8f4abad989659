package brickstages

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"legacypipe/internal/blobs"
	"legacypipe/internal/brick"
	"legacypipe/internal/imagery"
)

// Maskbits values.
const (
	MaskNPrimary uint16 = 0x1
	MaskSaturG   uint16 = 0x4
	MaskSaturR   uint16 = 0x8
	MaskSaturZ   uint16 = 0x10
	MaskBailout  uint16 = 0x400
)

// SaturBit returns the saturation bit for band.
func SaturBit(band string) (uint16, bool) {
	switch band {
	case "g":
		return MaskSaturG, true
	case "r":
		return MaskSaturR, true
	case "z":
		return MaskSaturZ, true
	}
	return 0, false
}

// Maskbits is the per-pixel flag image of a brick.
type Maskbits struct {
	W    int
	H    int
	Bits []uint16
}

// At returns the flags of pixel (x, y).
func (m *Maskbits) At(x, y int) uint16 { return m.Bits[y*m.W+x] }

// BuildMaskbits flags pixels outside the unique area, saturated pixels of
// each coadd, and pixels of blobs skipped by a bailout.
func BuildMaskbits(b brick.Brick, coadds []imagery.Coadd, bailout *blobs.Mask) *Maskbits {
	m := &Maskbits{W: b.Width, H: b.Height, Bits: make([]uint16, b.Width*b.Height)}
	unique := b.UniqueArea()
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			var v uint16
			if !unique.Contains(x, y) {
				v |= MaskNPrimary
			}
			if bailout != nil && bailout.Get(x, y) {
				v |= MaskBailout
			}
			m.Bits[y*m.W+x] = v
		}
	}
	for _, c := range coadds {
		bit, ok := SaturBit(c.Band)
		if !ok || c.Saturated == nil {
			continue
		}
		for i, sat := range c.Saturated.Bits {
			if sat && i < len(m.Bits) {
				m.Bits[i] |= bit
			}
		}
	}
	return m
}

type maskbitsJSON struct {
	W    int    `json:"width"`
	H    int    `json:"height"`
	Data string `json:"data"`
}

// MarshalJSON encodes the flags as base64 little-endian uint16.
func (m *Maskbits) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 2*len(m.Bits))
	for i, v := range m.Bits {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return json.Marshal(maskbitsJSON{W: m.W, H: m.H, Data: base64.StdEncoding.EncodeToString(buf)})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (m *Maskbits) UnmarshalJSON(data []byte) error {
	var raw maskbitsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	buf, err := base64.StdEncoding.DecodeString(raw.Data)
	if err != nil {
		return fmt.Errorf("maskbits: decode: %w", err)
	}
	if raw.W < 0 || raw.H < 0 || len(buf) != 2*raw.W*raw.H {
		return fmt.Errorf("maskbits: %d bytes do not match %dx%d", len(buf), raw.W, raw.H)
	}
	bits := make([]uint16, raw.W*raw.H)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	*m = Maskbits{W: raw.W, H: raw.H, Bits: bits}
	return nil
}

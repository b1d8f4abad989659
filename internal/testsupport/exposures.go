package testsupport

import (
	"math"
	"testing"

	"legacypipe/internal/imagery"
)

// Star is a Gaussian point source placed on a synthetic exposure.
type Star struct {
	X, Y float64
	// Peak is the central pixel value.
	Peak float64
}

// Exposure renders stars onto a w x h noiseless exposure with unit inverse
// variance, placed at the brick origin.
func Exposure(name, band string, w, h int, sigma float64, stars ...Star) imagery.Exposure {
	exp := imagery.Exposure{
		Name:   name,
		Band:   band,
		Pixels: imagery.NewPlane(w, h),
		InvVar: imagery.NewPlane(w, h),
	}
	for i := range exp.InvVar.Data {
		exp.InvVar.Data[i] = 1
	}
	for _, s := range stars {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := float64(x)-s.X, float64(y)-s.Y
				v := s.Peak * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
				if v < 1e-3 {
					continue
				}
				exp.Pixels.Data[y*w+x] += float32(v)
			}
		}
	}
	return exp
}

// WriteSurvey stores exposures where imagery.DirLoader finds them for brick.
func WriteSurvey(t testing.TB, surveyDir, brick string, exposures ...imagery.Exposure) {
	t.Helper()
	for _, exp := range exposures {
		if err := imagery.WriteExposure(surveyDir, brick, exp); err != nil {
			t.Fatalf("write exposure %s: %v", exp.Name, err)
		}
	}
}

package detect

import (
	"image"

	"github.com/avandersteldt/regionwatch/internal/capture"
)

// sampleGrid is the number of sample positions per axis. 32x32 keeps the
// comparison cost flat regardless of region size.
const sampleGrid = 32

// PixelStrategy decodes both frames and compares a fixed grid of sampled
// pixels, reporting the mean absolute channel difference scaled to 0-100.
// Moderate cost, tunable sensitivity through the threshold.
type PixelStrategy struct{}

// Name implements Strategy.
func (PixelStrategy) Name() string { return StrategyPixel }

// Compare implements Strategy. Frames with differing dimensions are treated
// as maximally changed rather than an error: a resolution flip is a change.
// Frames that fail to decode are likewise treated as maximally changed.
func (PixelStrategy) Compare(baseline, candidate *capture.Frame, threshold float64) Verdict {
	if baseline.Width != candidate.Width || baseline.Height != candidate.Height {
		return verdict(StrategyPixel, true, 100)
	}

	baseImg, err := baseline.Image()
	if err != nil {
		return verdict(StrategyPixel, true, 100)
	}
	candImg, err := candidate.Image()
	if err != nil {
		return verdict(StrategyPixel, true, 100)
	}

	magnitude := sampledDiff(baseImg, candImg)
	return verdict(StrategyPixel, magnitude > threshold, magnitude)
}

// sampledDiff walks a sampleGrid x sampleGrid lattice over both images and
// returns the mean absolute RGB difference scaled to 0-100.
func sampledDiff(a, b image.Image) float64 {
	ab := a.Bounds()
	bb := b.Bounds()
	w, h := ab.Dx(), ab.Dy()
	if w == 0 || h == 0 {
		return 0
	}

	var total, samples int64
	for gy := 0; gy < sampleGrid; gy++ {
		y := gy * (h - 1) / (sampleGrid - 1)
		for gx := 0; gx < sampleGrid; gx++ {
			x := gx * (w - 1) / (sampleGrid - 1)
			ar, ag, abl, _ := a.At(ab.Min.X+x, ab.Min.Y+y).RGBA()
			br, bg, bbl, _ := b.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			total += absDiff(ar, br) + absDiff(ag, bg) + absDiff(abl, bbl)
			samples += 3
		}
	}
	if samples == 0 {
		return 0
	}
	// RGBA() returns 16-bit channels; normalize the mean to 0-100.
	mean := float64(total) / float64(samples)
	return mean / 65535 * 100
}

func absDiff(a, b uint32) int64 {
	if a > b {
		return int64(a - b)
	}
	return int64(b - a)
}

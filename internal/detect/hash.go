package detect

import (
	"bytes"
	"crypto/md5"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/corona10/goimagehash"
)

// HashStrategy compares perceptual hashes of the two frames. Any nonzero
// Hamming distance counts as changed, so the magnitude is binary (0 or 100)
// and the threshold is ignored. Most precise for exact-change detection,
// blind to visual drift that leaves the hash stable.
type HashStrategy struct{}

// Name implements Strategy.
func (HashStrategy) Name() string { return StrategyHash }

// Compare implements Strategy. When either frame cannot be decoded the
// strategy degrades to an md5 comparison of the raw payloads, which keeps
// the binary verdict meaningful for opaque bytes.
func (HashStrategy) Compare(baseline, candidate *capture.Frame, _ float64) Verdict {
	baseImg, berr := baseline.Image()
	candImg, cerr := candidate.Image()
	if berr != nil || cerr != nil {
		changed := md5.Sum(baseline.Data) != md5.Sum(candidate.Data)
		return verdict(StrategyHash, changed, binaryMagnitude(changed))
	}

	baseHash, berr := goimagehash.PerceptionHash(baseImg)
	candHash, cerr := goimagehash.PerceptionHash(candImg)
	if berr != nil || cerr != nil {
		changed := !bytes.Equal(baseline.Data, candidate.Data)
		return verdict(StrategyHash, changed, binaryMagnitude(changed))
	}

	dist, err := baseHash.Distance(candHash)
	if err != nil {
		changed := !bytes.Equal(baseline.Data, candidate.Data)
		return verdict(StrategyHash, changed, binaryMagnitude(changed))
	}
	return verdict(StrategyHash, dist > 0, binaryMagnitude(dist > 0))
}

func binaryMagnitude(changed bool) float64 {
	if changed {
		return 100
	}
	return 0
}

package detect

import "github.com/avandersteldt/regionwatch/internal/capture"

// SizeStrategy flags change when the encoded payload length drifts by more
// than threshold percent. It never decodes pixels, making it the cheapest
// strategy by far. Accepted tradeoff: content can shift without moving the
// compressed size (false negative), and re-encoding noise can move the size
// without visible change (false positive).
type SizeStrategy struct{}

// Name implements Strategy.
func (SizeStrategy) Name() string { return StrategySize }

// Compare implements Strategy. Magnitude is the relative byte delta as a
// percentage of the baseline size.
func (SizeStrategy) Compare(baseline, candidate *capture.Frame, threshold float64) Verdict {
	base := len(baseline.Data)
	diff := len(candidate.Data) - base
	if diff < 0 {
		diff = -diff
	}
	denom := base
	if denom < 1 {
		denom = 1
	}
	pct := float64(diff) / float64(denom) * 100
	return verdict(StrategySize, pct > threshold, pct)
}

package pattern

import "math"

// Complexity scores a delegation request in [0,1] for staged-pattern
// activation. The score combines three signals:
//
//   - attribute richness: more context attributes imply a more structured,
//     multi-faceted request (saturates at 10 attributes)
//   - priority: priority 1 requests weigh heaviest, decaying harmonically
//   - fan-out: the number of sub-patterns the staged pattern would drive
//     (saturates at 8)
//
// The weights favor the shape of the request over how urgent it is.
func Complexity(pc Context, fanout int) float64 {
	attrs := math.Min(float64(len(pc.AttributeKeys()))/10.0, 1.0)
	prio := 1.0 / float64(pc.Priority)
	fan := math.Min(float64(fanout)/8.0, 1.0)

	score := 0.45*attrs + 0.20*prio + 0.35*fan
	return math.Min(math.Max(score, 0), 1)
}

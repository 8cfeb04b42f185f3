package pricing

import (
	"math"

	"github.com/modelgate/modelgate/internal/canonical"
)

const tokensPerUnit = 1_000_000

// Cost is the monetary breakdown for one request, one field per token class.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheWrite float64 `json:"cacheWrite"`
	CacheRead  float64 `json:"cacheRead"`
	Total      float64 `json:"total"`
}

// Compute prices a usage record. Each class is rounded to six fractional
// digits before summing, so the stored total always equals the sum of the
// stored classes.
func Compute(p Price, u canonical.Usage) Cost {
	c := Cost{
		Input:      Round6(float64(u.InputTokens) / tokensPerUnit * p.Input),
		Output:     Round6(float64(u.OutputTokens) / tokensPerUnit * p.Output),
		CacheWrite: Round6(float64(u.CacheWriteTokens) / tokensPerUnit * p.CacheWrite),
		CacheRead:  Round6(float64(u.CacheReadTokens) / tokensPerUnit * p.CacheRead),
	}
	c.Total = Round6(c.Input + c.Output + c.CacheWrite + c.CacheRead)
	return c
}

// Round6 rounds half away from zero to six fractional digits.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

package problem

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/pavelanni/grader/internal/calc"
)

// DefaultSampleCount is the number of points drawn when a samples spec has no "#N".
const DefaultSampleCount = 3

// Samples lists the sampled variables of a formula response and their ranges.
type Samples struct {
	Vars  []string
	Low   []float64
	High  []float64
	Count int
}

// ParseSamples reads "v1,v2@lo1,lo2:hi1,hi2#N". Bounds may be expressions
// such as "1k"; "#N" is optional.
func ParseSamples(s string) (*Samples, error) {
	spec := strings.TrimSpace(s)
	count := DefaultSampleCount
	if body, n, ok := strings.Cut(spec, "#"); ok {
		c, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || c < 1 {
			return nil, fmt.Errorf("samples %q: sample count must be a positive integer", s)
		}
		spec, count = body, c
	}
	names, ranges, ok := strings.Cut(spec, "@")
	if !ok {
		return nil, fmt.Errorf("samples %q: missing '@'", s)
	}
	lows, highs, ok := strings.Cut(ranges, ":")
	if !ok {
		return nil, fmt.Errorf("samples %q: missing ':'", s)
	}

	out := &Samples{Vars: splitList(names), Count: count}
	var err error
	if out.Low, err = parseBounds(lows); err != nil {
		return nil, fmt.Errorf("samples %q: %w", s, err)
	}
	if out.High, err = parseBounds(highs); err != nil {
		return nil, fmt.Errorf("samples %q: %w", s, err)
	}
	if len(out.Vars) == 0 {
		return nil, fmt.Errorf("samples %q: no variables", s)
	}
	if len(out.Low) != len(out.Vars) || len(out.High) != len(out.Vars) {
		return nil, fmt.Errorf("samples %q: %d variables but %d low and %d high bounds",
			s, len(out.Vars), len(out.Low), len(out.High))
	}
	for i := range out.Vars {
		if out.Low[i] > out.High[i] {
			return nil, fmt.Errorf("samples %q: range of %s is empty", s, out.Vars[i])
		}
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBounds(s string) ([]float64, error) {
	parts := splitList(s)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := calc.EvaluateReal(p, nil, nil, true)
		if err != nil {
			return nil, fmt.Errorf("bound %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Points draws Count sample points from rng, each variable uniform on its range.
func (s *Samples) Points(rng *rand.Rand) []map[string]complex128 {
	points := make([]map[string]complex128, s.Count)
	for i := range points {
		p := make(map[string]complex128, len(s.Vars))
		for j, name := range s.Vars {
			p[name] = complex(s.Low[j]+rng.Float64()*(s.High[j]-s.Low[j]), 0)
		}
		points[i] = p
	}
	return points
}

// sampleRNG is the generator used to draw a response's sample points. It
// depends only on the instance seed and the response id, so every grade of the
// same state sees the same points.
func sampleRNG(seed uint32, responseID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(responseID))
	return rand.New(rand.NewPCG(uint64(seed), h.Sum64()))
}

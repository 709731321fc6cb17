package pacer

import (
	"math"
	"math/rand"
	"time"
)

// LoadCalculator yields the rate to apply for the next one-second slice of a run.
type LoadCalculator interface {
	Next() int
}

func NewStepFunctionLoadCalculator(minRps int, maxRps int, stepSize int) LoadCalculator {
	return &StepFunctionLoadCalculator{minRps: minRps, maxRps: maxRps, stepSize: stepSize, currRps: minRps}
}

func NewExponentialLoadCalculator(minRps int, maxRps int) LoadCalculator {
	return &ExponentialFunctionLoadCalculator{minRps: minRps, maxRps: maxRps, factor: 2}
}

// NewExponentialRampLoadCalculator grows geometrically from its first step to
// maxRps, reaching maxRps after rampSeconds, and holds it afterwards.
func NewExponentialRampLoadCalculator(maxRps int, rampSeconds int) LoadCalculator {
	if maxRps < 1 {
		maxRps = 1
	}
	if rampSeconds <= 0 {
		return NewStepFunctionLoadCalculator(maxRps, maxRps, 1)
	}
	return &ExponentialFunctionLoadCalculator{
		minRps: 1,
		maxRps: maxRps,
		factor: math.Pow(float64(maxRps), 1/float64(rampSeconds)),
		step:   1,
	}
}

func NewRandomLoadCalculator(minRps int, maxRps int, rng *rand.Rand) LoadCalculator {
	if minRps < 1 {
		minRps = 1
	}
	if maxRps < minRps {
		maxRps = minRps
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomLoadCalculator{minRps: minRps, maxRps: maxRps, rng: rng}
}

// NewRampLoadCalculator climbs linearly from a single step to maxRps over
// rampSeconds and holds maxRps afterwards.
func NewRampLoadCalculator(maxRps int, rampSeconds int) LoadCalculator {
	if rampSeconds <= 0 {
		return NewStepFunctionLoadCalculator(maxRps, maxRps, 1)
	}
	return &LinearRampLoadCalculator{maxRps: maxRps, rampSeconds: rampSeconds, second: 1}
}

// LinearRampLoadCalculator yields ceil(maxRps*second/rampSeconds), so maxRps is
// first reached on the last ramp second.
type LinearRampLoadCalculator struct {
	maxRps      int
	rampSeconds int
	second      int
}

func (l *LinearRampLoadCalculator) Next() int {
	if l.second >= l.rampSeconds {
		return l.maxRps
	}
	n := (l.maxRps*l.second + l.rampSeconds - 1) / l.rampSeconds
	l.second++
	return max(n, 1)
}

type StepFunctionLoadCalculator struct {
	minRps   int
	maxRps   int
	stepSize int

	currRps int
}

func (s *StepFunctionLoadCalculator) Next() int {
	n := s.currRps
	if s.currRps+s.stepSize > s.maxRps {
		s.currRps = s.maxRps
	} else {
		s.currRps += s.stepSize
	}
	return n
}

type ExponentialFunctionLoadCalculator struct {
	minRps int
	maxRps int
	factor float64
	step   int
}

func (e *ExponentialFunctionLoadCalculator) Next() int {
	value := float64(e.minRps) * math.Pow(e.factor, float64(e.step))
	if value >= float64(e.maxRps) {
		return e.maxRps
	}
	e.step++
	// floor keeps the pre-target steps strictly below maxRps
	n := int(math.Floor(value + 1e-9))
	if n < 1 {
		n = 1
	}
	return min(n, e.maxRps)
}

type RandomLoadCalculator struct {
	minRps int
	maxRps int
	rng    *rand.Rand
}

func (r *RandomLoadCalculator) Next() int {
	if r.maxRps == r.minRps {
		return r.minRps
	}
	return r.minRps + r.rng.Intn(r.maxRps-r.minRps+1)
}

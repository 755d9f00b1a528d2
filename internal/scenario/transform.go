// Package scenario derives hypothetical return samples from an observed one.
// Transforms are pure: they read the source sample and build a new one, and
// never see simulation state.
package scenario

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/atlas-desktop/ruinlab/internal/sample"
)

var (
	// ErrInvalidParameter is returned for out-of-domain transform parameters.
	ErrInvalidParameter = errors.New("scenario: invalid parameter")

	// ErrEmptyPartition is returned when a resample has to draw from a
	// partition with no members.
	ErrEmptyPartition = errors.New("scenario: cannot draw from empty partition")
)

// Transform maps a sample to a derived sample. rng is only consumed by
// transforms that resample.
type Transform interface {
	Name() string
	Apply(s sample.ReturnSample, rng *rand.Rand) (sample.ReturnSample, error)
}

// Cap clamps every return below Floor up to Floor. Returns at or above the
// floor are unchanged.
type Cap struct {
	Floor float64
}

func (c Cap) Name() string { return fmt.Sprintf("cap(%.2f)", c.Floor) }

func (c Cap) Apply(s sample.ReturnSample, _ *rand.Rand) (sample.ReturnSample, error) {
	if math.IsNaN(c.Floor) || math.IsInf(c.Floor, 0) || c.Floor < -1 {
		return sample.ReturnSample{}, fmt.Errorf("%w: cap floor must be finite and >= -1, got %v", ErrInvalidParameter, c.Floor)
	}

	out := s.Values()
	for i, v := range out {
		if v < c.Floor {
			out[i] = c.Floor
		}
	}
	return sample.FromTrusted(out), nil
}

// Replace sets every return below Below to With and leaves the rest alone.
// Unlike Cap, returns between With and Below keep their value, so only the
// tail moves.
type Replace struct {
	Below float64
	With  float64
}

func (r Replace) Name() string { return fmt.Sprintf("replace(<%.2f -> %.2f)", r.Below, r.With) }

func (r Replace) Apply(s sample.ReturnSample, _ *rand.Rand) (sample.ReturnSample, error) {
	if math.IsNaN(r.With) || math.IsInf(r.With, 0) || r.With < -1 {
		return sample.ReturnSample{}, fmt.Errorf("%w: replacement must be finite and >= -1, got %v", ErrInvalidParameter, r.With)
	}
	if math.IsNaN(r.Below) {
		return sample.ReturnSample{}, fmt.Errorf("%w: replace threshold is NaN", ErrInvalidParameter)
	}

	out := s.Values()
	for i, v := range out {
		if v < r.Below {
			out[i] = r.With
		}
	}
	return sample.FromTrusted(out), nil
}

// TailResample redraws the sample so that returns below Threshold make up
// Target of it instead of their observed share. Tail and non-tail values are
// each drawn with replacement from their own partition, which keeps the shape
// within each partition.
type TailResample struct {
	Threshold float64
	Target    float64 // Tail share of the output, in [0, 1]
	Size      int     // Output size; 0 keeps the source size
}

func (t TailResample) Name() string {
	name := fmt.Sprintf("tail(<%.2f @ %.1f%%)", t.Threshold, t.Target*100)
	if t.Size > 0 {
		name += fmt.Sprintf("[n=%d]", t.Size)
	}
	return name
}

// Counts returns how many tail and non-tail values an output of size n holds.
// Any positive target keeps at least one tail value.
func (t TailResample) Counts(n int) (tail, rest int) {
	tail = int(math.Floor(float64(n) * t.Target))
	if t.Target > 0 && tail < 1 {
		tail = 1
	}
	if tail > n {
		tail = n
	}
	return tail, n - tail
}

func (t TailResample) Apply(s sample.ReturnSample, rng *rand.Rand) (sample.ReturnSample, error) {
	if math.IsNaN(t.Target) || t.Target < 0 || t.Target > 1 {
		return sample.ReturnSample{}, fmt.Errorf("%w: tail target must be in [0, 1], got %v", ErrInvalidParameter, t.Target)
	}
	if math.IsNaN(t.Threshold) {
		return sample.ReturnSample{}, fmt.Errorf("%w: tail threshold is NaN", ErrInvalidParameter)
	}
	if t.Size < 0 {
		return sample.ReturnSample{}, fmt.Errorf("%w: size must be >= 0, got %d", ErrInvalidParameter, t.Size)
	}
	if rng == nil {
		return sample.ReturnSample{}, fmt.Errorf("%w: tail resample needs a random source", ErrInvalidParameter)
	}

	size := t.Size
	if size == 0 {
		size = s.Len()
	}
	tailPart, restPart := s.Partition(sample.Below(t.Threshold))
	nTail, nRest := t.Counts(size)

	if nRest > 0 && restPart.IsEmpty() {
		return sample.ReturnSample{}, fmt.Errorf("%w: no returns at or above %v", ErrEmptyPartition, t.Threshold)
	}
	if nTail > 0 && tailPart.IsEmpty() {
		return sample.ReturnSample{}, fmt.Errorf("%w: no returns below %v", ErrEmptyPartition, t.Threshold)
	}

	out := make([]float64, 0, size)
	out = drawInto(out, restPart, nRest, rng)
	out = drawInto(out, tailPart, nTail, rng)
	return sample.FromTrusted(out), nil
}

func drawInto(dst []float64, from sample.ReturnSample, n int, rng *rand.Rand) []float64 {
	for i := 0; i < n; i++ {
		dst = append(dst, from.At(rng.Intn(from.Len())))
	}
	return dst
}

// ScaleWins multiplies every positive return by Factor.
type ScaleWins struct {
	Factor float64
}

func (w ScaleWins) Name() string { return fmt.Sprintf("scale_wins(x%.2f)", w.Factor) }

func (w ScaleWins) Apply(s sample.ReturnSample, _ *rand.Rand) (sample.ReturnSample, error) {
	if math.IsNaN(w.Factor) || math.IsInf(w.Factor, 0) || w.Factor <= 0 {
		return sample.ReturnSample{}, fmt.Errorf("%w: win factor must be finite and > 0, got %v", ErrInvalidParameter, w.Factor)
	}

	out := s.Values()
	for i, v := range out {
		if sample.IsWin(v) {
			out[i] = v * w.Factor
		}
	}
	return sample.FromTrusted(out), nil
}

package scenario

import "fmt"

// Kind names a transform in declarative form.
type Kind string

const (
	KindCap          Kind = "cap"
	KindReplace      Kind = "replace"
	KindTailResample Kind = "tail_resample"
	KindScaleWins    Kind = "scale_wins"
)

// StepSpec describes one transform. Only the fields of its Kind are read;
// replace uses Threshold as its cutoff and Floor as the replacement.
type StepSpec struct {
	Kind      Kind    `json:"kind" mapstructure:"kind"`
	Floor     float64 `json:"floor,omitempty" mapstructure:"floor"`
	Threshold float64 `json:"threshold,omitempty" mapstructure:"threshold"`
	Target    float64 `json:"target,omitempty" mapstructure:"target"`
	Size      int     `json:"size,omitempty" mapstructure:"size"`
	Factor    float64 `json:"factor,omitempty" mapstructure:"factor"`
}

// Spec is a scenario as it appears in config files and API requests.
type Spec struct {
	Name  string     `json:"name" mapstructure:"name"`
	Steps []StepSpec `json:"steps" mapstructure:"steps"`
}

// Build converts the spec into a Scenario.
func (s Spec) Build() (Scenario, error) {
	if s.Name == "" {
		return Scenario{}, fmt.Errorf("%w: scenario name is required", ErrInvalidParameter)
	}

	steps := make([]Transform, 0, len(s.Steps))
	for i, st := range s.Steps {
		var tr Transform
		switch st.Kind {
		case KindCap:
			tr = Cap{Floor: st.Floor}
		case KindReplace:
			tr = Replace{Below: st.Threshold, With: st.Floor}
		case KindTailResample:
			tr = TailResample{Threshold: st.Threshold, Target: st.Target, Size: st.Size}
		case KindScaleWins:
			tr = ScaleWins{Factor: st.Factor}
		default:
			return Scenario{}, fmt.Errorf("%w: scenario %q step %d: unknown kind %q", ErrInvalidParameter, s.Name, i+1, st.Kind)
		}
		steps = append(steps, tr)
	}
	return Compose(s.Name, steps...), nil
}

// DefaultBattery is the standard intervention set, with tail returns defined
// as those below tailThreshold:
//
//	A  tail returns replaced by -50%
//	B  tail frequency lowered to 10%, 5% and 2%
//	C  wins scaled up by half
//	D  A combined with a 5% tail below -45%
//
// Losses between -50% and the threshold are left as observed in A and D.
//	E  tail removed entirely
func DefaultBattery(tailThreshold float64) []Spec {
	tail := func(name string, target float64) Spec {
		return Spec{Name: name, Steps: []StepSpec{{Kind: KindTailResample, Threshold: tailThreshold, Target: target}}}
	}
	return []Spec{
		{Name: "A: loss cap", Steps: []StepSpec{{Kind: KindReplace, Threshold: tailThreshold, Floor: -0.50}}},
		tail("B: tail rate 10%", 0.10),
		tail("B: tail rate 5%", 0.05),
		tail("B: tail rate 2%", 0.02),
		{Name: "C: wins +50%", Steps: []StepSpec{{Kind: KindScaleWins, Factor: 1.5}}},
		{Name: "D: loss cap + 5% tail", Steps: []StepSpec{
			{Kind: KindReplace, Threshold: tailThreshold, Floor: -0.50},
			{Kind: KindTailResample, Threshold: -0.45, Target: 0.05},
		}},
		tail("E: zero tail", 0),
	}
}

package scenario

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/atlas-desktop/ruinlab/internal/sample"
)

// Scenario is a named chain of transforms applied in order.
type Scenario struct {
	Name  string
	Steps []Transform
}

// Compose chains steps under a name.
func Compose(name string, steps ...Transform) Scenario {
	return Scenario{Name: name, Steps: steps}
}

// Label names the scenario together with its full transform chain, e.g.
// "D: cap(-0.50) -> tail(<-0.45 @ 5.0%)".
func (sc Scenario) Label() string {
	if len(sc.Steps) == 0 {
		return sc.Name + ": identity"
	}
	names := make([]string, len(sc.Steps))
	for i, step := range sc.Steps {
		names[i] = step.Name()
	}
	return sc.Name + ": " + strings.Join(names, " -> ")
}

// Outcome is a derived sample with its audit label.
type Outcome struct {
	Label  string
	Sample sample.ReturnSample
}

// Apply runs the chain over s. All resampling steps share one source seeded
// from seed (0 for time-based), consumed in step order.
func (sc Scenario) Apply(s sample.ReturnSample, seed int64) (Outcome, error) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	current := s
	for i, step := range sc.Steps {
		next, err := step.Apply(current, rng)
		if err != nil {
			return Outcome{}, fmt.Errorf("scenario %q step %d (%s): %w", sc.Name, i+1, step.Name(), err)
		}
		current = next
	}
	return Outcome{Label: sc.Label(), Sample: current}, nil
}

package loadgen

import (
	"fmt"
	"sort"
	"time"
)

// Stage moves the arrival rate linearly to Target requests per second over Duration.
type Stage struct {
	Target   float64
	Duration time.Duration
}

type Scenario struct {
	Name      string
	StartRate float64
	Stages    []Stage
}

var scenarios = map[string]Scenario{
	"constant": Constant(200, 30*time.Second),
	"ramp": {
		Name:      "ramp",
		StartRate: 50,
		Stages: []Stage{
			{Target: 500, Duration: 30 * time.Second},
			{Target: 1000, Duration: time.Minute},
			{Target: 2000, Duration: time.Minute},
			{Target: 0, Duration: 30 * time.Second},
		},
	},
	"spike": {
		Name:      "spike",
		StartRate: 50,
		Stages: []Stage{
			{Target: 100, Duration: 10 * time.Second},
			{Target: 2000, Duration: 10 * time.Second},
			{Target: 2000, Duration: 10 * time.Second},
			{Target: 100, Duration: 10 * time.Second},
		},
	},
}

// Constant holds rate for d.
func Constant(rate float64, d time.Duration) Scenario {
	return Scenario{
		Name:      "constant",
		StartRate: rate,
		Stages:    []Stage{{Target: rate, Duration: d}},
	}
}

func Lookup(name string) (Scenario, error) {
	s, ok := scenarios[name]
	if !ok {
		return Scenario{}, fmt.Errorf("unknown scenario %q (have %v)", name, Names())
	}
	return s, nil
}

func Names() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Scenario) Duration() time.Duration {
	var total time.Duration
	for _, st := range s.Stages {
		total += st.Duration
	}
	return total
}

// RateAt is the target arrival rate at elapsed time into the scenario.
func (s Scenario) RateAt(elapsed time.Duration) float64 {
	from := s.StartRate
	for _, st := range s.Stages {
		if elapsed < st.Duration {
			if st.Duration <= 0 {
				return st.Target
			}
			frac := float64(elapsed) / float64(st.Duration)
			return from + (st.Target-from)*frac
		}
		elapsed -= st.Duration
		from = st.Target
	}
	return 0
}

package condition

// Status is the outcome of evaluating a group.
type Status string

const (
	Pass    Status = "PASS"
	Pending Status = "PENDING"
)

// Result carries the status and the values that decided it.
type Result struct {
	Status Status
	// Triggers holds the values of the conditions that passed.
	Triggers map[string]float64
	// Missing lists keys that had no value.
	Missing []string
}

// Passed reports whether the group passed.
func (r Result) Passed() bool { return r.Status == Pass }

// Evaluate tests g against values. AND groups pass when every condition
// holds, OR groups when any does. A key absent from values never passes,
// so an AND group with a missing key and an OR group with nothing but
// missing or failing keys are PENDING.
func Evaluate(g Group, values map[string]float64) Result {
	res := Result{Status: Pending, Triggers: make(map[string]float64, len(g.Conditions))}
	if len(g.Conditions) == 0 {
		return res
	}

	passed := 0
	for _, c := range g.Conditions {
		v, ok := values[c.Key]
		if !ok {
			res.Missing = append(res.Missing, c.Key)
			continue
		}
		if c.Op.Apply(v, c.Threshold) {
			passed++
			res.Triggers[c.Key] = v
		}
	}

	switch g.Logic {
	case AND:
		if passed == len(g.Conditions) {
			res.Status = Pass
		}
	case OR:
		if passed > 0 {
			res.Status = Pass
		}
	}
	return res
}

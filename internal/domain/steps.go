package domain

import "fmt"

// Step is one stage of a transfer's verification sequence.
type Step string

const (
	StepPin       Step = "pin"
	StepImf       Step = "imf"
	StepTax       Step = "tax"
	StepCot       Step = "cot"
	StepOtp       Step = "otp"
	StepCompleted Step = "completed"
)

// canonical order; a transfer's steps are always a subsequence of this.
var stepRank = map[Step]int{
	StepPin:       0,
	StepImf:       1,
	StepTax:       2,
	StepCot:       3,
	StepOtp:       4,
	StepCompleted: 5,
}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	_, ok := stepRank[s]
	return ok
}

// IsCodeStep reports whether s is verified against a stored per-user code.
func (s Step) IsCodeStep() bool {
	return s == StepImf || s == StepTax || s == StepCot
}

// Before reports whether s comes strictly before other in the canonical order.
func (s Step) Before(other Step) bool {
	return stepRank[s] < stepRank[other]
}

// ParseCodeStep maps an API code type ("imf", "tax", "cot") to its step.
func ParseCodeStep(codeType string) (Step, error) {
	step := Step(codeType)
	if !step.IsCodeStep() {
		return "", fmt.Errorf("unknown verification code type %q", codeType)
	}
	return step, nil
}

// StepSequence returns the ordered verification steps for a user. It always starts
// with Pin and always ends with Completed.
func StepSequence(policy *UserPolicy) []Step {
	steps := []Step{StepPin}
	if policy != nil {
		if policy.ImfCode != "" {
			steps = append(steps, StepImf)
		}
		if policy.TaxCode != "" {
			steps = append(steps, StepTax)
		}
		if policy.CotCode != "" {
			steps = append(steps, StepCot)
		}
		if policy.OtpEnabled && !policy.OtpOptOut {
			steps = append(steps, StepOtp)
		}
	}
	return append(steps, StepCompleted)
}

// NextStep returns the step following current in the user's sequence. If current is
// no longer part of the sequence (the user's configuration changed mid-transfer), the
// first step ranked after current is returned, so the result is always ahead of current
// and the walk always ends at Completed.
func NextStep(policy *UserPolicy, current Step) Step {
	if current == StepCompleted {
		return StepCompleted
	}
	for _, step := range StepSequence(policy) {
		if current.Before(step) {
			return step
		}
	}
	return StepCompleted
}

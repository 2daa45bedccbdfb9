package listener

import (
	"relaybot/internal/domain"
)

// Entry is the computed health of one declared listener.
type Entry struct {
	Chat   string              `json:"chat"`
	Status domain.Health       `json:"status"`
	Reason domain.HealthReason `json:"reason,omitempty"`
}

type Summary struct {
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

type StatusReport struct {
	Listeners []Entry `json:"listeners"`
	Summary   Summary `json:"summary"`
}

// Result is the outcome of Add or Remove.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Step is one recorded action of a recovery sequence.
type Step struct {
	Name    string `json:"step"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

type ResetResult struct {
	Chat    string `json:"chat"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Steps   []Step `json:"steps"`
}

func (r *ResetResult) record(name string, err error) {
	r.Steps = append(r.Steps, stepOf(name, err))
}

// Refresh actions.
const (
	ActionSkip  = "skip"
	ActionReset = "reset"
)

type RefreshEntry struct {
	Chat         string              `json:"chat"`
	Before       domain.Health       `json:"before"`
	BeforeReason domain.HealthReason `json:"beforeReason,omitempty"`
	Action       string              `json:"action"`
	After        domain.Health       `json:"after"`
	Success      bool                `json:"success"`
	Reset        *ResetResult        `json:"reset,omitempty"`
}

type RefreshReport struct {
	Total        int            `json:"total"`
	SuccessCount int            `json:"successCount"`
	FailCount    int            `json:"failCount"`
	Listeners    []RefreshEntry `json:"listeners"`
}

type ResetAllReport struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	Total         int           `json:"total"`
	Recovered     int           `json:"recovered"`
	Failed        []string      `json:"failed"`
	ClosedWindows int           `json:"closedWindows"`
	Steps         []Step        `json:"steps"`
	Results       []ResetResult `json:"results"`
}

func stepOf(name string, err error) Step {
	if err != nil {
		return Step{Name: name, Detail: err.Error()}
	}
	return Step{Name: name, Success: true}
}

package lagoon

import (
	"strings"
	"unicode"
)

// DriftDetector decides whether recent observations have wandered away from
// the task. It is advisory: a positive result flags the step and emits
// EventGoalDrift but never changes control flow.
type DriftDetector interface {
	Drifting(task string, observations []string) bool
}

// KeywordDrift flags drift when none of the last Window observations mention
// any keyword of the task. Keywords are task words of at least MinLen runes
// that are not common stop words.
type KeywordDrift struct {
	Window int
	MinLen int
}

// Drifting implements DriftDetector.
func (d KeywordDrift) Drifting(task string, observations []string) bool {
	window := d.Window
	if window <= 0 {
		window = 3
	}
	if len(observations) < window {
		return false
	}
	minLen := d.MinLen
	if minLen <= 0 {
		minLen = 4
	}
	keys := keywords(task, minLen)
	if len(keys) == 0 {
		return false
	}
	for _, obs := range observations[len(observations)-window:] {
		for w := range keywords(obs, minLen) {
			if keys[w] {
				return false
			}
		}
	}
	return true
}

var stopWords = map[string]bool{
	"about": true, "after": true, "also": true, "from": true, "have": true,
	"into": true, "that": true, "their": true, "there": true, "these": true,
	"this": true, "what": true, "when": true, "where": true, "which": true,
	"with": true, "would": true, "your": true, "please": true, "could": true,
}

func keywords(s string, minLen int) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) >= minLen && !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

// repeated reports whether the newest action repeats an earlier action
// within the last window action steps.
func repeated(actions []*ActionStep, window int) bool {
	if window <= 0 || len(actions) < 2 {
		return false
	}
	last := actions[len(actions)-1].actionSignature()
	if last == "" {
		return false
	}
	start := max(0, len(actions)-window)
	for _, a := range actions[start : len(actions)-1] {
		if a.actionSignature() == last {
			return true
		}
	}
	return false
}

// observations returns the observation text of each action step, with
// errors standing in for missing observations.
func observations(actions []*ActionStep) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		switch {
		case a.Observation != "":
			out = append(out, a.Observation)
		case a.Error != nil:
			out = append(out, a.Error.Message)
		default:
			out = append(out, "")
		}
	}
	return out
}

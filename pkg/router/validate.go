package router

import (
	"strings"

	"guild/pkg/protocol"
)

// Validation weights. A result passes review when the weighted sum of
// the three components reaches passThreshold and every one of the
// task's named criteria holds.
const (
	weightFields   = 0.4 // required result fields present and coherent
	weightCriteria = 0.3 // the task's named quality criteria
	weightGeneral  = 0.3 // generic output quality
	passThreshold  = 0.8
)

// Verdict is the outcome of validating one result.
type Verdict struct {
	Score  float64
	Failed []string // names of the criteria that did not hold
	Passed bool
}

// Predicate checks one named quality criterion against a result's
// output. Predicates are pure text checks; anything needing execution
// belongs in the agent's capability, not in review.
type Predicate func(task *Task, output string) bool

// predicates maps criterion names, as they appear in a task's quality
// criteria, to their checks. Unknown names fail closed so a typo in a
// criterion list cannot silently pass review.
var predicates = map[string]Predicate{
	"contains-required-sections": containsRequiredSections,
	"includes-tests":             includesTests,
	"matches-requested-scope":    matchesRequestedScope,
	"passes-test-command":        passesTestCommand,
	"non-trivial":                nonTrivial,
}

// Validate scores a result against its task. The score is the weighted
// sum of three components: required fields (0.4), the task's quality
// criteria (0.3), and general output quality (0.3). Any failed named
// criterion rejects outright; the score is still computed in full so
// conflict resolution can rank competing verdicts.
func Validate(task *Task, res protocol.ResultPayload) Verdict {
	taskID, output := res.TaskID, res.Output
	var v Verdict
	criterionFailed := false

	// Required fields: the result names the right task and carries output.
	fieldChecks := 0
	fieldPassed := 0
	fieldChecks++
	if taskID == task.ID {
		fieldPassed++
	} else {
		v.Failed = append(v.Failed, "result-names-task")
	}
	fieldChecks++
	if strings.TrimSpace(output) != "" {
		fieldPassed++
	} else {
		v.Failed = append(v.Failed, "result-has-output")
	}
	v.Score += weightFields * float64(fieldPassed) / float64(fieldChecks)

	// Named criteria: each contributes an equal share of the weight. No
	// criteria means the component passes whole.
	if len(task.QualityCriteria) == 0 {
		v.Score += weightCriteria
	} else {
		passed := 0
		for _, name := range task.QualityCriteria {
			pred, known := predicates[name]
			if known && pred(task, output) {
				passed++
			} else {
				v.Failed = append(v.Failed, name)
				criterionFailed = true
			}
		}
		v.Score += weightCriteria * float64(passed) / float64(len(task.QualityCriteria))
	}

	// General quality: long enough to be a work product, and not an
	// error transcript.
	generalChecks := 0
	generalPassed := 0
	generalChecks++
	if len(strings.TrimSpace(output)) >= 40 {
		generalPassed++
	} else {
		v.Failed = append(v.Failed, "substantial-output")
	}
	generalChecks++
	if !looksLikeErrorTranscript(output) {
		generalPassed++
	} else {
		v.Failed = append(v.Failed, "no-error-transcript")
	}
	v.Score += weightGeneral * float64(generalPassed) / float64(generalChecks)

	v.Passed = v.Score >= passThreshold && !criterionFailed
	return v
}

// containsRequiredSections expects a structured document: at least one
// markdown heading and a summary section.
func containsRequiredSections(_ *Task, output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(output, "## ") && strings.Contains(lower, "summary")
}

// includesTests expects the output to describe or contain test coverage.
func includesTests(_ *Task, output string) bool {
	return strings.Contains(strings.ToLower(output), "test")
}

// matchesRequestedScope expects the output to engage with the task's
// title: at least half of its significant words must appear.
func matchesRequestedScope(task *Task, output string) bool {
	words := significantWords(task.Title)
	if len(words) == 0 {
		return true
	}
	lower := strings.ToLower(output)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	return hits*2 >= len(words)
}

// passesTestCommand expects the output to include a passing test-run
// transcript. Agents append the run's tail when their capability
// executes the task's test command.
func passesTestCommand(_ *Task, output string) bool {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "fail") {
		return false
	}
	return strings.Contains(lower, "pass") || strings.Contains(lower, "ok ")
}

func nonTrivial(_ *Task, output string) bool {
	return len(strings.TrimSpace(output)) >= 200
}

// looksLikeErrorTranscript flags output that is dominated by error
// noise rather than a work product.
func looksLikeErrorTranscript(output string) bool {
	lower := strings.ToLower(strings.TrimSpace(output))
	return strings.HasPrefix(lower, "error:") ||
		strings.HasPrefix(lower, "panic:") ||
		strings.HasPrefix(lower, "traceback")
}

// significantWords splits a title into lowercase words worth matching,
// dropping short connectives.
func significantWords(title string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,:;!?\"'()")
		if len(w) > 3 {
			out = append(out, w)
		}
	}
	return out
}

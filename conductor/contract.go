// ABOUTME: Structured-output contract: strict JSON status parsing with ordered legacy-shape fallbacks.
// ABOUTME: Review/tester/delivery steps must emit a recognized JSON status plus a next-action field.
package conductor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389-research/drover/pipeline"
)

// ContractGateID is the synthetic gate id attached to structured-output
// contract results.
const ContractGateID = "structured-output-contract"

// StructuredStatus is a parsed status signal extracted from step output.
// Source records which variant matched: "json" for a structured object,
// "legacy_text" for free-text markers.
type StructuredStatus struct {
	Status     string
	NextAction string
	Source     string
	StatusKey  string
}

// statusKeys is the ordered list of JSON keys tried for the status value:
// the strict shape first, then legacy aliases.
var statusKeys = []string{"status", "workflow_status", "result", "outcome"}

// nextActionKeys is the ordered list of JSON keys tried for the next-action
// value.
var nextActionKeys = []string{"next_action", "next_step", "recommendation"}

// recognizedStatuses is the status enum the contract accepts, after
// normalization.
var recognizedStatuses = map[string]bool{
	"PASS":           true,
	"FAIL":           true,
	"COMPLETE":       true,
	"NEEDS_REVISION": true,
	"BLOCKED":        true,
	"IN_PROGRESS":    true,
}

// statusAliases maps legacy spellings onto the recognized enum.
var statusAliases = map[string]string{
	"SUCCESS":   "PASS",
	"PASSED":    "PASS",
	"OK":        "PASS",
	"DONE":      "COMPLETE",
	"COMPLETED": "COMPLETE",
	"FAILED":    "FAIL",
	"FAILURE":   "FAIL",
	"ERROR":     "FAIL",
}

var (
	legacyStatusLine = regexp.MustCompile(`(?m)^\s*WORKFLOW_STATUS:\s*([A-Za-z_ ]+?)\s*$`)
	legacyNextLine   = regexp.MustCompile(`(?m)^\s*NEXT_STEP:\s*(.+?)\s*$`)
	fencedJSON       = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	deliveryName     = regexp.MustCompile(`(?i)\b(deliver|delivery|release|ship)`)
)

// normalizeStatusWord uppercases, collapses spaces to underscores, and
// resolves aliases. Returns "" for unrecognized values.
func normalizeStatusWord(s string) string {
	word := strings.ToUpper(strings.TrimSpace(s))
	word = strings.ReplaceAll(word, " ", "_")
	if alias, ok := statusAliases[word]; ok {
		word = alias
	}
	if recognizedStatuses[word] {
		return word
	}
	return ""
}

// extractJSONObject pulls a JSON object out of step output. It accepts the
// output verbatim, a fenced ```json block, or the widest brace-delimited
// substring, whichever first parses as valid JSON.
func extractJSONObject(output string) (string, bool) {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		return trimmed, true
	}

	if m := fencedJSON.FindStringSubmatch(output); m != nil && gjson.Valid(m[1]) {
		return m[1], true
	}

	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start >= 0 && end > start {
		candidate := output[start : end+1]
		if gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// ParseStructuredStatus extracts a status signal from step output. The strict
// JSON shape is tried first, then legacy JSON key aliases in order, then
// legacy free-text markers. The returned Source and StatusKey record which
// variant matched; callers surface that in gate details.
func ParseStructuredStatus(output string) (StructuredStatus, bool) {
	if js, ok := extractJSONObject(output); ok {
		for _, key := range statusKeys {
			v := gjson.Get(js, key)
			if !v.Exists() {
				continue
			}
			status := normalizeStatusWord(v.String())
			if status == "" {
				continue
			}
			ss := StructuredStatus{Status: status, Source: "json", StatusKey: key}
			for _, nk := range nextActionKeys {
				if nv := gjson.Get(js, nk); nv.Exists() && strings.TrimSpace(nv.String()) != "" {
					ss.NextAction = strings.TrimSpace(nv.String())
					break
				}
			}
			return ss, true
		}
	}

	if m := legacyStatusLine.FindStringSubmatch(output); m != nil {
		if status := normalizeStatusWord(m[1]); status != "" {
			ss := StructuredStatus{Status: status, Source: "legacy_text", StatusKey: "WORKFLOW_STATUS"}
			if nm := legacyNextLine.FindStringSubmatch(output); nm != nil {
				ss.NextAction = nm[1]
			}
			return ss, true
		}
	}

	return StructuredStatus{}, false
}

// DeriveStatusLine synthesizes the legacy free-text status marker from
// structured JSON output, so regex gates written against legacy markers
// still pass on structured output. Returns "" when the output carries no
// structured JSON status.
func DeriveStatusLine(output string) string {
	ss, ok := ParseStructuredStatus(output)
	if !ok || ss.Source != "json" {
		return ""
	}
	line := "WORKFLOW_STATUS: " + ss.Status
	if ss.NextAction != "" {
		line += "\nNEXT_STEP: " + ss.NextAction
	}
	return line
}

// RequiresStructuredOutput reports whether the step is held to the strict
// structured-output contract: review and tester roles, plus any step whose
// name or id matches a delivery pattern.
func RequiresStructuredOutput(step *pipeline.Step) bool {
	if step.Role == pipeline.RoleReview || step.Role == pipeline.RoleTester {
		return true
	}
	return deliveryName.MatchString(step.Name) || deliveryName.MatchString(step.ID)
}

// EvaluateContract checks a contract-role step's output against the
// structured-output contract. Output using only legacy free-text markers is
// a contract failure even when a regex gate over the same output passes.
func EvaluateContract(output string) GateResult {
	ss, found := ParseStructuredStatus(output)

	switch {
	case !found:
		return GateResult{
			GateID:   ContractGateID,
			Status:   "fail",
			Blocking: true,
			Message:  "output does not declare a recognized status",
			Details:  "source=output",
		}
	case ss.Source == "legacy_text":
		return GateResult{
			GateID:   ContractGateID,
			Status:   "fail",
			Blocking: true,
			Message:  "legacy free-text status markers violate the structured output contract",
			Details:  "source=legacy_text",
		}
	case ss.NextAction == "":
		return GateResult{
			GateID:   ContractGateID,
			Status:   "fail",
			Blocking: true,
			Message:  fmt.Sprintf("structured status %s is missing a next-action field", ss.Status),
			Details:  fmt.Sprintf("source=json key=%s", ss.StatusKey),
		}
	default:
		return GateResult{
			GateID:   ContractGateID,
			Status:   "pass",
			Blocking: true,
			Message:  fmt.Sprintf("structured output declares %s", ss.Status),
			Details:  fmt.Sprintf("source=json key=%s", ss.StatusKey),
		}
	}
}

// OutcomeHint derives the workflow outcome suggested by the step's own
// output. Steps that declare no recognizable status stay neutral.
func OutcomeHint(output string) Outcome {
	ss, ok := ParseStructuredStatus(output)
	if !ok {
		return OutcomeNeutral
	}
	switch ss.Status {
	case "PASS", "COMPLETE":
		return OutcomePass
	case "FAIL", "BLOCKED", "NEEDS_REVISION":
		return OutcomeFail
	default:
		return OutcomeNeutral
	}
}

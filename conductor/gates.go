// ABOUTME: Quality gate evaluator: regex, JSON-field, and artifact checks over step output and run storage.
// ABOUTME: Artifact paths substitute storage tokens and are confined to the run's storage root.
package conductor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389-research/drover/pipeline"
)

// GateContext carries the run-scoped inputs gate evaluation needs. StorageRoot
// is empty when the run has no shared storage provisioned.
type GateContext struct {
	RunID       string
	StorageRoot string
	Inputs      map[string]string
}

// substituteTokens expands storage tokens inside gate paths.
func substituteTokens(s string, gctx GateContext) string {
	s = strings.ReplaceAll(s, "{{shared_storage_path}}", gctx.StorageRoot)
	s = strings.ReplaceAll(s, "{{run_id}}", gctx.RunID)
	return s
}

// resolveArtifactPath expands tokens and confines the result to the run's
// storage root. Relative paths are joined to the root; absolute paths are
// accepted only when they already sit inside it.
func resolveArtifactPath(raw string, gctx GateContext) (string, error) {
	if gctx.StorageRoot == "" {
		return "", fmt.Errorf("run has no shared storage")
	}
	expanded := substituteTokens(raw, gctx)
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(gctx.StorageRoot, expanded)
	}
	expanded = filepath.Clean(expanded)
	rel, err := filepath.Rel(gctx.StorageRoot, expanded)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes run storage", raw)
	}
	return expanded, nil
}

// compileGatePattern builds the gate regex, applying single-letter flags
// (i, m, s) as an inline group.
func compileGatePattern(pattern, flags string) (*regexp.Regexp, error) {
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return regexp.Compile(pattern)
}

// evaluateAutoGates runs every automatic gate targeting the step, then the
// implicit checks declared on the step itself. Manual approval gates are
// handled by the approval flow, not here.
func evaluateAutoGates(step *pipeline.Step, gates []pipeline.Gate, output string, gctx GateContext) []GateResult {
	var results []GateResult
	for _, g := range gates {
		if g.Kind == pipeline.ManualApproval {
			continue
		}
		results = append(results, evaluateGate(g, output, gctx))
	}
	results = append(results, requiredFieldResults(step, output)...)
	results = append(results, requiredFileResults(step, gctx)...)
	return results
}

func evaluateGate(g pipeline.Gate, output string, gctx GateContext) GateResult {
	res := GateResult{GateID: g.ID, Blocking: g.Blocking}

	switch g.Kind {
	case pipeline.RegexMustMatch, pipeline.RegexMustNotMatch:
		re, err := compileGatePattern(g.Pattern, g.Flags)
		if err != nil {
			res.Status = "fail"
			res.Message = fmt.Sprintf("invalid gate pattern: %v", err)
			res.Details = "source=output"
			return res
		}
		matchedRaw := re.MatchString(output)
		matchedDerived := false
		if derived := DeriveStatusLine(output); derived != "" {
			matchedDerived = re.MatchString(derived)
		}
		matched := matchedRaw || matchedDerived
		source := "output"
		if !matchedRaw && matchedDerived {
			source = "json"
		}
		wantMatch := g.Kind == pipeline.RegexMustMatch
		if matched == wantMatch {
			res.Status = "pass"
			if wantMatch {
				res.Message = fmt.Sprintf("pattern %q matched", g.Pattern)
			} else {
				res.Message = fmt.Sprintf("pattern %q absent", g.Pattern)
			}
		} else {
			res.Status = "fail"
			if wantMatch {
				res.Message = fmt.Sprintf("pattern %q not found in step output", g.Pattern)
			} else {
				res.Message = fmt.Sprintf("forbidden pattern %q present in step output", g.Pattern)
			}
		}
		res.Details = "source=" + source
		return res

	case pipeline.JSONFieldExists:
		if g.ArtifactPath != "" {
			path, err := resolveArtifactPath(g.ArtifactPath, gctx)
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				res.Details = "source=artifact"
				return res
			}
			data, err := os.ReadFile(path)
			if err != nil {
				res.Status = "fail"
				res.Message = fmt.Sprintf("artifact %s unreadable: %v", g.ArtifactPath, err)
				res.Details = "source=artifact"
				return res
			}
			if gjson.GetBytes(data, g.JSONPath).Exists() {
				res.Status = "pass"
				res.Message = fmt.Sprintf("field %s present in %s", g.JSONPath, g.ArtifactPath)
			} else {
				res.Status = "fail"
				res.Message = fmt.Sprintf("field %s missing from %s", g.JSONPath, g.ArtifactPath)
			}
			res.Details = "source=artifact"
			return res
		}
		js, ok := extractJSONObject(output)
		if !ok {
			res.Status = "fail"
			res.Message = "step output carries no JSON object"
			res.Details = "source=output"
			return res
		}
		if gjson.Get(js, g.JSONPath).Exists() {
			res.Status = "pass"
			res.Message = fmt.Sprintf("field %s present in step output", g.JSONPath)
		} else {
			res.Status = "fail"
			res.Message = fmt.Sprintf("field %s missing from step output", g.JSONPath)
		}
		res.Details = "source=json"
		return res

	case pipeline.ArtifactExists:
		path, err := resolveArtifactPath(g.ArtifactPath, gctx)
		if err != nil {
			res.Status = "fail"
			res.Message = err.Error()
			res.Details = "source=artifact"
			return res
		}
		if _, statErr := os.Stat(path); statErr != nil {
			res.Status = "fail"
			res.Message = fmt.Sprintf("artifact %s not found", g.ArtifactPath)
		} else {
			res.Status = "pass"
			res.Message = fmt.Sprintf("artifact %s present", g.ArtifactPath)
		}
		res.Details = "source=artifact"
		return res

	default:
		res.Status = "fail"
		res.Message = fmt.Sprintf("unknown gate kind %q", g.Kind)
		res.Details = "source=output"
		return res
	}
}

// requiredFieldResults enforces the step's required_output_fields as a
// blocking JSON check over the step output.
func requiredFieldResults(step *pipeline.Step, output string) []GateResult {
	if len(step.RequiredOutputFields) == 0 {
		return nil
	}
	res := GateResult{GateID: "required-output-fields", Blocking: true, Details: "source=json"}
	js, ok := extractJSONObject(output)
	if !ok {
		res.Status = "fail"
		res.Message = "step output carries no JSON object"
		res.Details = "source=output"
		return []GateResult{res}
	}
	var missing []string
	for _, field := range step.RequiredOutputFields {
		if !gjson.Get(js, field).Exists() {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		res.Status = "fail"
		res.Message = "missing required output fields: " + strings.Join(missing, ", ")
	} else {
		res.Status = "pass"
		res.Message = "all required output fields present"
	}
	return []GateResult{res}
}

// requiredFileResults enforces the step's required_output_files as a
// blocking artifact check under the run storage root.
func requiredFileResults(step *pipeline.Step, gctx GateContext) []GateResult {
	if len(step.RequiredOutputFiles) == 0 {
		return nil
	}
	res := GateResult{GateID: "required-output-files", Blocking: true, Details: "source=artifact"}
	var missing []string
	for _, f := range step.RequiredOutputFiles {
		path, err := resolveArtifactPath(f, gctx)
		if err != nil {
			missing = append(missing, f)
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		res.Status = "fail"
		res.Message = "missing required output files: " + strings.Join(missing, ", ")
	} else {
		res.Status = "pass"
		res.Message = "all required output files present"
	}
	return []GateResult{res}
}

package policy

import (
	"fmt"
	"log/slog"
	"net/netip"
	"path"
	"regexp"
	"strings"
)

// ValidationResult is the outcome of validating one command. Never mutated
// after creation.
type ValidationResult struct {
	Approved bool     `json:"approved"`
	Reason   string   `json:"reason"`
	Tool     string   `json:"tool,omitempty"`
	Category string   `json:"category,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator applies the catalog policy to raw command strings. It is a pure
// function over the immutable catalog and is safe for concurrent use.
type Validator struct {
	catalog *Catalog
}

func NewValidator(catalog *Catalog) *Validator {
	return &Validator{catalog: catalog}
}

// Shell operators that would turn one approved command into a pipeline the
// caller controls. The sandbox executes exactly one command.
var chainOperators = []string{"&&", "||", ";", "`", "$("}

var (
	redirectRe = regexp.MustCompile(`(?:^|[^>&\d])(?:\d?>>?)\s*(\S+)`)
	lhostRe    = regexp.MustCompile(`(?i)LHOST\s*=\s*([0-9]{1,3}(?:\.[0-9]{1,3}){3})`)
)

// Validate runs the policy checks in order, short-circuiting on the first
// failure. It is side-effect free apart from observability logging.
func (v *Validator) Validate(command string) ValidationResult {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return reject("", "", "empty command")
	}

	fields := strings.Fields(trimmed)
	tool := path.Base(fields[0])
	category, ok := v.catalog.IsApproved(tool)
	if !ok {
		return reject(tool, "", fmt.Sprintf("tool %q is not in the approved catalog", tool))
	}

	if match := v.catalog.MatchesDangerous(trimmed); match != "" {
		return reject(tool, category, fmt.Sprintf("command contains dangerous pattern %q", match))
	}

	for _, op := range chainOperators {
		if strings.Contains(trimmed, op) {
			return reject(tool, category, fmt.Sprintf("shell chaining operator %q is not allowed", op))
		}
	}

	if target, ok := v.redirectOutsideScratch(trimmed); ok {
		return reject(tool, category, fmt.Sprintf("output redirection outside %s: %q", v.catalog.ScratchDir(), target))
	}

	var warnings []string
	if patterns := v.catalog.safeParamsFor(tool); len(patterns) > 0 {
		if !hasRecognizedParam(fields[1:], patterns) {
			// Observability signal only; unusual flags are not a hard gate.
			slog.Debug("command has no recognized safe parameter",
				"component", "validator", "tool", tool, "command", trimmed)
			warnings = append(warnings, "no recognized safe parameter for "+tool)
		}
	}

	if v.catalog.IsHighRisk(tool) {
		if reason := v.checkHighRisk(tool, trimmed, fields[1:]); reason != "" {
			return reject(tool, category, reason)
		}
	}

	return ValidationResult{Approved: true, Reason: "approved", Tool: tool, Category: category, Warnings: warnings}
}

// redirectOutsideScratch reports the first redirection target that escapes
// the scratch directory. Relative targets resolve inside scratch because the
// exec working directory is the scratch dir.
func (v *Validator) redirectOutsideScratch(command string) (string, bool) {
	for _, m := range redirectRe.FindAllStringSubmatch(command, -1) {
		target := m[1]
		if target == "/dev/null" {
			continue
		}
		if !strings.HasPrefix(target, "/") {
			continue
		}
		if !v.underScratch(target) {
			return target, true
		}
	}
	return "", false
}

// underScratch reports whether the cleaned path is the scratch directory or
// inside it. A plain prefix match is not enough: /workspacex is a sibling of
// /workspace, not a child.
func (v *Validator) underScratch(target string) bool {
	cleaned := path.Clean(target)
	scratch := v.catalog.ScratchDir()
	return cleaned == scratch || strings.HasPrefix(cleaned, scratch+"/")
}

func (v *Validator) checkHighRisk(tool, command string, args []string) string {
	switch tool {
	case "msfconsole", "msfvenom":
		for _, m := range lhostRe.FindAllStringSubmatch(command, -1) {
			if !v.inTrainingSubnet(m[1]) {
				return fmt.Sprintf("reverse-connection target %s is outside the training network", m[1])
			}
		}
	case "dd":
		for _, arg := range args {
			if val, ok := strings.CutPrefix(arg, "if="); ok {
				if strings.HasPrefix(val, "/dev/") {
					return fmt.Sprintf("dd may only read from regular files, not %s", val)
				}
			}
			if val, ok := strings.CutPrefix(arg, "of="); ok {
				if strings.HasPrefix(val, "/") && !v.underScratch(val) {
					return fmt.Sprintf("dd may only write under %s, not %s", v.catalog.ScratchDir(), val)
				}
			}
		}
	}
	return ""
}

func (v *Validator) inTrainingSubnet(ip string) bool {
	prefix, err := netip.ParsePrefix(v.catalog.TrainingSubnet())
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefix.Contains(addr)
}

func hasRecognizedParam(args []string, patterns []*regexp.Regexp) bool {
	for _, arg := range args {
		for _, re := range patterns {
			if re.MatchString(arg) {
				return true
			}
		}
	}
	return false
}

// Sanitize strips shell metacharacters from a command fragment. It is a
// helper for command construction, not a trust boundary: every command
// still passes Validate before execution.
func Sanitize(command string) string {
	replacer := strings.NewReplacer(
		";", "", "&", "", "|", "", "`", "", "$", "",
		"(", "", ")", "", "<", "", ">", "", "\n", " ", "\r", "",
	)
	return strings.TrimSpace(replacer.Replace(command))
}

// BuildSafeCommand constructs "tool options... target" from sanitized parts
// and re-validates the result before returning it.
func (v *Validator) BuildSafeCommand(tool, target string, options []string) (string, error) {
	parts := []string{Sanitize(tool)}
	for _, opt := range options {
		if cleaned := Sanitize(opt); cleaned != "" {
			parts = append(parts, cleaned)
		}
	}
	if cleaned := Sanitize(target); cleaned != "" {
		parts = append(parts, cleaned)
	}

	command := strings.Join(parts, " ")
	if result := v.Validate(command); !result.Approved {
		return "", fmt.Errorf("constructed command rejected: %s", result.Reason)
	}
	return command, nil
}

func reject(tool, category, reason string) ValidationResult {
	return ValidationResult{Approved: false, Reason: reason, Tool: tool, Category: category}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

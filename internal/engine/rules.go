package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"fleetcheck/internal/domain"
)

// ChecklistState is the derived visibility and requiredness of every
// question in an execution, computed from the pinned template definition
// and the current response set.
type ChecklistState struct {
	Active   map[string]bool
	Required map[string]bool
}

// DeriveState evaluates conditional rules to a fixed point. Responses of
// inactive questions are treated as absent during evaluation, so hiding a
// question can cascade into hiding its dependents. Mutually dependent show
// rules can oscillate; maxPasses caps the iteration and the last computed
// state wins.
func DeriveState(t domain.Template, responses map[string]any, maxPasses int) ChecklistState {
	if maxPasses <= 0 {
		maxPasses = 8
	}
	state := ChecklistState{
		Active:   make(map[string]bool),
		Required: make(map[string]bool),
	}
	questions := t.AllQuestions()
	for _, q := range questions {
		state.Active[q.ID] = true
	}
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for _, q := range questions {
			visible := true
			required := q.Required
			for _, r := range q.ConditionalLogic {
				var target any
				if state.Active[r.TargetQuestionID] {
					target = responses[r.TargetQuestionID]
				}
				holds := conditionHolds(r.Condition, r.Value, target)
				switch r.Action {
				case domain.ActionShow:
					if !holds {
						visible = false
					}
				case domain.ActionHide:
					if holds {
						visible = false
					}
				case domain.ActionRequire:
					if holds {
						required = true
					}
				}
			}
			if state.Active[q.ID] != visible {
				state.Active[q.ID] = visible
				changed = true
			}
			state.Required[q.ID] = required
		}
		if !changed {
			break
		}
	}
	return state
}

// conditionHolds evaluates a single rule condition against the target
// question's response. A missing response never satisfies a condition
// except not-equals.
func conditionHolds(condition string, ruleValue, response any) bool {
	switch condition {
	case domain.CondEquals:
		return valuesEqual(ruleValue, response)
	case domain.CondNotEquals:
		return !valuesEqual(ruleValue, response)
	case domain.CondContains:
		return valueContains(response, ruleValue)
	case domain.CondGreaterThan:
		rv, ok1 := toFloat(ruleValue)
		tv, ok2 := toFloat(response)
		return ok1 && ok2 && tv > rv
	case domain.CondLessThan:
		rv, ok1 := toFloat(ruleValue)
		tv, ok2 := toFloat(response)
		return ok1 && ok2 && tv < rv
	}
	return false
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func valueContains(response, ruleValue any) bool {
	needle := fmt.Sprintf("%v", ruleValue)
	switch v := response.(type) {
	case string:
		return strings.Contains(v, needle)
	case []string:
		for _, item := range v {
			if item == needle {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if valuesEqual(item, ruleValue) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// ApplyResponse writes a response value and fires clear rules. A clear
// fires only when its condition transitions from not holding to holding,
// so re-recording the same value never wipes a manually re-entered answer.
// Cleared questions fall back to their default value. Clearing can itself
// flip another clear rule's condition; the cascade is capped by maxPasses.
func ApplyResponse(t domain.Template, responses map[string]any, questionID string, value any, maxPasses int) (map[string]any, []string) {
	if maxPasses <= 0 {
		maxPasses = 8
	}
	next := make(map[string]any, len(responses)+1)
	for k, v := range responses {
		next[k] = v
	}

	clearRules := collectClearRules(t)
	before := make(map[string]bool, len(clearRules))
	for _, cr := range clearRules {
		before[cr.rule.ID] = conditionHolds(cr.rule.Condition, cr.rule.Value, next[cr.rule.TargetQuestionID])
	}

	next[questionID] = value

	var cleared []string
	for pass := 0; pass < maxPasses; pass++ {
		fired := false
		for _, cr := range clearRules {
			holds := conditionHolds(cr.rule.Condition, cr.rule.Value, next[cr.rule.TargetQuestionID])
			if holds && !before[cr.rule.ID] {
				before[cr.rule.ID] = true
				fired = true
				cleared = append(cleared, cr.questionID)
				if cr.defaultValue != nil {
					next[cr.questionID] = cr.defaultValue
				} else {
					delete(next, cr.questionID)
				}
			} else if !holds {
				before[cr.rule.ID] = false
			}
		}
		if !fired {
			break
		}
	}
	return next, cleared
}

type clearRule struct {
	questionID   string
	defaultValue any
	rule         domain.ConditionalRule
}

func collectClearRules(t domain.Template) []clearRule {
	var out []clearRule
	for _, q := range t.AllQuestions() {
		for _, r := range q.ConditionalLogic {
			if r.Action == domain.ActionClear {
				out = append(out, clearRule{questionID: q.ID, defaultValue: q.DefaultValue, rule: r})
			}
		}
	}
	return out
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	digitPattern = regexp.MustCompile(`\D`)
)

// ValidateResponse checks a response value against every validation rule of
// a question and returns one message per failing rule. A nil response fails
// only the required rule; other rules apply once a value exists.
func ValidateResponse(q domain.Question, value any, required bool) []string {
	var msgs []string
	if isEmptyResponse(value) {
		if required {
			msgs = append(msgs, ruleMessage(q, domain.RuleRequired, fmt.Sprintf("%s is required", q.Label)))
		}
		return msgs
	}
	for _, r := range q.Validations {
		if msg, ok := checkRule(q, r, value); !ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func checkRule(q domain.Question, r domain.ValidationRule, value any) (string, bool) {
	fail := func(def string) (string, bool) {
		if r.Message != "" {
			return r.Message, false
		}
		return def, false
	}
	switch r.Kind {
	case domain.RuleRequired:
		if isEmptyResponse(value) {
			return fail(fmt.Sprintf("%s is required", q.Label))
		}
	case domain.RuleEmail:
		s, _ := value.(string)
		if !emailPattern.MatchString(s) {
			return fail(fmt.Sprintf("%s must be a valid email", q.Label))
		}
	case domain.RulePhone:
		digits := digitPattern.ReplaceAllString(fmt.Sprintf("%v", value), "")
		if len(digits) < 10 || len(digits) > 11 {
			return fail(fmt.Sprintf("%s must be a valid phone number", q.Label))
		}
	case domain.RuleCPF:
		if !validCPF(fmt.Sprintf("%v", value)) {
			return fail(fmt.Sprintf("%s must be a valid CPF", q.Label))
		}
	case domain.RuleCNPJ:
		if !validCNPJ(fmt.Sprintf("%v", value)) {
			return fail(fmt.Sprintf("%s must be a valid CNPJ", q.Label))
		}
	case domain.RuleMinValue:
		if r.Value != nil {
			if f, ok := toFloat(value); !ok || f < *r.Value {
				return fail(fmt.Sprintf("%s must be at least %v", q.Label, *r.Value))
			}
		}
	case domain.RuleMaxValue:
		if r.Value != nil {
			if f, ok := toFloat(value); !ok || f > *r.Value {
				return fail(fmt.Sprintf("%s must be at most %v", q.Label, *r.Value))
			}
		}
	case domain.RuleMinLength:
		if r.Value != nil && responseLength(value) < int(*r.Value) {
			return fail(fmt.Sprintf("%s must have at least %d characters", q.Label, int(*r.Value)))
		}
	case domain.RuleMaxLength:
		if r.Value != nil && responseLength(value) > int(*r.Value) {
			return fail(fmt.Sprintf("%s must have at most %d characters", q.Label, int(*r.Value)))
		}
	case domain.RuleFileType:
		if !fileTypeAllowed(fmt.Sprintf("%v", value), r.Text) {
			return fail(fmt.Sprintf("%s must be one of: %s", q.Label, r.Text))
		}
	case domain.RuleFileSize:
		// Size is enforced where the bytes arrive; the stored value is only
		// a reference to the uploaded file.
	}
	return "", true
}

func isEmptyResponse(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}

func responseLength(v any) int {
	switch val := v.(type) {
	case string:
		return len([]rune(val))
	case []string:
		return len(val)
	case []any:
		return len(val)
	}
	return len(fmt.Sprintf("%v", v))
}

func fileTypeAllowed(name, allowed string) bool {
	if allowed == "" {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range strings.Split(allowed, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func ruleMessage(q domain.Question, kind, def string) string {
	for _, r := range q.Validations {
		if r.Kind == kind && r.Message != "" {
			return r.Message
		}
	}
	return def
}

func validCPF(raw string) bool {
	digits := digitPattern.ReplaceAllString(raw, "")
	if len(digits) != 11 || allSameDigit(digits) {
		return false
	}
	if cpfDigit(digits, 9) != int(digits[9]-'0') {
		return false
	}
	return cpfDigit(digits, 10) == int(digits[10]-'0')
}

func cpfDigit(digits string, n int) int {
	sum := 0
	for i := 0; i < n; i++ {
		sum += int(digits[i]-'0') * (n + 1 - i)
	}
	rest := (sum * 10) % 11
	if rest == 10 {
		return 0
	}
	return rest
}

func validCNPJ(raw string) bool {
	digits := digitPattern.ReplaceAllString(raw, "")
	if len(digits) != 14 || allSameDigit(digits) {
		return false
	}
	if cnpjDigit(digits, 12) != int(digits[12]-'0') {
		return false
	}
	return cnpjDigit(digits, 13) == int(digits[13]-'0')
}

func cnpjDigit(digits string, n int) int {
	weight := n - 7
	sum := 0
	for i := 0; i < n; i++ {
		sum += int(digits[i]-'0') * weight
		weight--
		if weight < 2 {
			weight = 9
		}
	}
	rest := sum % 11
	if rest < 2 {
		return 0
	}
	return 11 - rest
}

func allSameDigit(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

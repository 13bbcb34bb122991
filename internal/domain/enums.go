package domain

import "sort"

// Template types and statuses.
const (
	TemplateExit  = "exit"
	TemplateEntry = "entry"
	TemplateBoth  = "both"

	TemplateActive   = "active"
	TemplateInactive = "inactive"
	TemplateDraft    = "draft"
)

// Execution types and statuses.
const (
	ExecutionExit  = "exit"
	ExecutionEntry = "entry"

	ExecStarted    = "started"
	ExecInProgress = "in_progress"
	ExecCompleted  = "completed"
	ExecCancelled  = "cancelled"
)

// Question types.
const (
	QText        = "text"
	QNumber      = "number"
	QDate        = "date"
	QTime        = "time"
	QDatetime    = "datetime"
	QDropdown    = "dropdown"
	QCheckbox    = "checkbox"
	QRadio       = "radio"
	QUpload      = "upload"
	QCalculation = "calculation"
	QNote        = "note"
)

// Validation rule kinds.
const (
	RuleRequired  = "required"
	RuleEmail     = "email"
	RulePhone     = "phone"
	RuleCPF       = "cpf"
	RuleCNPJ      = "cnpj"
	RuleMinValue  = "min-value"
	RuleMaxValue  = "max-value"
	RuleMinLength = "min-length"
	RuleMaxLength = "max-length"
	RuleFileType  = "file-type"
	RuleFileSize  = "file-size"
)

// Conditional rule conditions and actions.
const (
	CondEquals      = "equals"
	CondNotEquals   = "not-equals"
	CondContains    = "contains"
	CondGreaterThan = "greater-than"
	CondLessThan    = "less-than"

	ActionShow    = "show"
	ActionHide    = "hide"
	ActionRequire = "require"
	ActionClear   = "clear"
)

// Divergence types and severities.
const (
	DivMissingItem         = "missing-item"
	DivDamage              = "damage"
	DivFuelDifference      = "fuel-difference"
	DivServiceNotCompleted = "service-not-completed"
	DivOther               = "other"

	SevLow      = "low"
	SevMedium   = "medium"
	SevHigh     = "high"
	SevCritical = "critical"
)

// Pendency types and statuses.
const (
	PendFuelDifference = "fuel-difference"
	PendMissingItem    = "missing-item"
	PendDamageRepair   = "damage-repair"
	PendExtraService   = "extra-service"
	PendCleaningFee    = "cleaning-fee"
	PendOther          = "other"

	PendencyPending  = "pending"
	PendencyApproved = "approved"
	PendencyRejected = "rejected"
	PendencyPaid     = "paid"
)

func ValidQuestionType(t string) bool {
	switch t {
	case QText, QNumber, QDate, QTime, QDatetime, QDropdown, QCheckbox, QRadio, QUpload, QCalculation, QNote:
		return true
	}
	return false
}

func ValidRuleKind(k string) bool {
	switch k {
	case RuleRequired, RuleEmail, RulePhone, RuleCPF, RuleCNPJ, RuleMinValue, RuleMaxValue,
		RuleMinLength, RuleMaxLength, RuleFileType, RuleFileSize:
		return true
	}
	return false
}

func ValidCondition(c string) bool {
	switch c {
	case CondEquals, CondNotEquals, CondContains, CondGreaterThan, CondLessThan:
		return true
	}
	return false
}

func ValidAction(a string) bool {
	switch a {
	case ActionShow, ActionHide, ActionRequire, ActionClear:
		return true
	}
	return false
}

func ValidDivergenceType(t string) bool {
	switch t {
	case DivMissingItem, DivDamage, DivFuelDifference, DivServiceNotCompleted, DivOther:
		return true
	}
	return false
}

func ValidSeverity(s string) bool {
	switch s {
	case SevLow, SevMedium, SevHigh, SevCritical:
		return true
	}
	return false
}

func ValidPendencyType(t string) bool {
	switch t {
	case PendFuelDifference, PendMissingItem, PendDamageRepair, PendExtraService, PendCleaningFee, PendOther:
		return true
	}
	return false
}

// AllQuestions returns every question ordered by section order, then
// question order within the section. Questions pointing at an unknown
// section sort last.
func (t Template) AllQuestions() []Question {
	sectionOrder := make(map[string]int, len(t.Sections))
	for _, s := range t.Sections {
		sectionOrder[s.ID] = s.Order
	}
	out := make([]Question, len(t.Questions))
	copy(out, t.Questions)
	sort.SliceStable(out, func(i, j int) bool {
		si, iok := sectionOrder[out[i].SectionID]
		sj, jok := sectionOrder[out[j].SectionID]
		if iok != jok {
			return iok
		}
		if si != sj {
			return si < sj
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// QuestionByID finds a question in the template, or false.
func (t Template) QuestionByID(id string) (Question, bool) {
	for _, q := range t.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// SectionByID finds a section in the template, or false.
func (t Template) SectionByID(id string) (Section, bool) {
	for _, s := range t.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

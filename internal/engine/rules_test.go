package engine_test

import (
	"testing"

	"fleetcheck/internal/domain"
	"fleetcheck/internal/engine"
)

func f64(v float64) *float64 { return &v }

func rulesTemplate() domain.Template {
	return domain.Template{
		ID: "tpl-1",
		Sections: []domain.Section{
			{ID: "sec-1", TemplateID: "tpl-1", Name: "General", Order: 0},
		},
		Questions: []domain.Question{
			{ID: "q-damage", SectionID: "sec-1", Type: domain.QRadio, Label: "Any damage?", Order: 0, Options: []string{"yes", "no"}},
			{ID: "q-damage-desc", SectionID: "sec-1", Type: domain.QText, Label: "Describe the damage", Order: 1,
				ConditionalLogic: []domain.ConditionalRule{
					{ID: "r-show", TargetQuestionID: "q-damage", Condition: domain.CondEquals, Value: "yes", Action: domain.ActionShow},
					{ID: "r-req", TargetQuestionID: "q-damage", Condition: domain.CondEquals, Value: "yes", Action: domain.ActionRequire},
				}},
			{ID: "q-damage-side", SectionID: "sec-1", Type: domain.QText, Label: "Which side", Order: 2,
				ConditionalLogic: []domain.ConditionalRule{
					{ID: "r-show-side", TargetQuestionID: "q-damage-desc", Condition: domain.CondContains, Value: "door", Action: domain.ActionShow},
				}},
		},
	}
}

func TestDeriveStateShowAndRequire(t *testing.T) {
	tpl := rulesTemplate()

	state := engine.DeriveState(tpl, map[string]any{}, 8)
	if state.Active["q-damage-desc"] {
		t.Fatalf("description should be hidden while damage unanswered")
	}

	state = engine.DeriveState(tpl, map[string]any{"q-damage": "yes"}, 8)
	if !state.Active["q-damage-desc"] {
		t.Fatalf("description should show when damage = yes")
	}
	if !state.Required["q-damage-desc"] {
		t.Fatalf("description should be required when damage = yes")
	}
}

func TestDeriveStateCascadesThroughHiddenQuestions(t *testing.T) {
	tpl := rulesTemplate()
	// q-damage-side shows only when the description mentions a door, but the
	// description itself is hidden when damage = no, so its stale response
	// must not keep the side question visible.
	responses := map[string]any{
		"q-damage":      "no",
		"q-damage-desc": "scratch on door",
	}
	state := engine.DeriveState(tpl, responses, 8)
	if state.Active["q-damage-desc"] {
		t.Fatalf("description should be hidden when damage = no")
	}
	if state.Active["q-damage-side"] {
		t.Fatalf("side question should cascade to hidden")
	}
}

func TestDeriveStateNumericConditions(t *testing.T) {
	tpl := domain.Template{
		ID:       "tpl-n",
		Sections: []domain.Section{{ID: "s", Name: "s", Order: 0}},
		Questions: []domain.Question{
			{ID: "q-km", SectionID: "s", Type: domain.QNumber, Label: "Mileage", Order: 0},
			{ID: "q-service", SectionID: "s", Type: domain.QText, Label: "Service notes", Order: 1,
				ConditionalLogic: []domain.ConditionalRule{
					{ID: "r", TargetQuestionID: "q-km", Condition: domain.CondGreaterThan, Value: float64(10000), Action: domain.ActionShow},
				}},
		},
	}
	state := engine.DeriveState(tpl, map[string]any{"q-km": float64(9000)}, 8)
	if state.Active["q-service"] {
		t.Fatalf("service notes should stay hidden below threshold")
	}
	state = engine.DeriveState(tpl, map[string]any{"q-km": float64(15000)}, 8)
	if !state.Active["q-service"] {
		t.Fatalf("service notes should show above threshold")
	}
}

func TestApplyResponseClearFiresOnceOnTransition(t *testing.T) {
	tpl := domain.Template{
		ID:       "tpl-c",
		Sections: []domain.Section{{ID: "s", Name: "s", Order: 0}},
		Questions: []domain.Question{
			{ID: "q-fuel-type", SectionID: "s", Type: domain.QRadio, Label: "Fuel type", Order: 0, Options: []string{"gasoline", "diesel"}},
			{ID: "q-octane", SectionID: "s", Type: domain.QText, Label: "Octane", Order: 1,
				ConditionalLogic: []domain.ConditionalRule{
					{ID: "r-clear", TargetQuestionID: "q-fuel-type", Condition: domain.CondEquals, Value: "diesel", Action: domain.ActionClear},
				}},
		},
	}

	responses := map[string]any{"q-octane": "95"}
	next, cleared := engine.ApplyResponse(tpl, responses, "q-fuel-type", "diesel", 8)
	if len(cleared) != 1 || cleared[0] != "q-octane" {
		t.Fatalf("expected octane cleared, got %v", cleared)
	}
	if _, ok := next["q-octane"]; ok {
		t.Fatalf("octane response should be gone")
	}

	// re-enter octane while fuel type stays diesel; re-recording diesel must
	// not wipe it again
	next["q-octane"] = "re-entered"
	next2, cleared2 := engine.ApplyResponse(tpl, next, "q-fuel-type", "diesel", 8)
	if len(cleared2) != 0 {
		t.Fatalf("clear fired again without a transition: %v", cleared2)
	}
	if next2["q-octane"] != "re-entered" {
		t.Fatalf("manually re-entered response was lost")
	}
}

func TestApplyResponseClearRestoresDefault(t *testing.T) {
	tpl := domain.Template{
		ID:       "tpl-d",
		Sections: []domain.Section{{ID: "s", Name: "s", Order: 0}},
		Questions: []domain.Question{
			{ID: "q-a", SectionID: "s", Type: domain.QRadio, Label: "A", Order: 0, Options: []string{"x", "y"}},
			{ID: "q-b", SectionID: "s", Type: domain.QText, Label: "B", Order: 1, DefaultValue: "n/a",
				ConditionalLogic: []domain.ConditionalRule{
					{ID: "r", TargetQuestionID: "q-a", Condition: domain.CondEquals, Value: "y", Action: domain.ActionClear},
				}},
		},
	}
	next, _ := engine.ApplyResponse(tpl, map[string]any{"q-b": "custom"}, "q-a", "y", 8)
	if next["q-b"] != "n/a" {
		t.Fatalf("cleared question should fall back to its default, got %v", next["q-b"])
	}
}

func TestValidateResponseKinds(t *testing.T) {
	cases := []struct {
		name     string
		question domain.Question
		value    any
		required bool
		wantFail bool
	}{
		{"required missing", domain.Question{ID: "q", Label: "Name"}, nil, true, true},
		{"required blank string", domain.Question{ID: "q", Label: "Name"}, "   ", true, true},
		{"optional missing", domain.Question{ID: "q", Label: "Name"}, nil, false, false},
		{"email ok", domain.Question{ID: "q", Label: "Email", Validations: []domain.ValidationRule{{Kind: domain.RuleEmail}}}, "driver@fleet.com", false, false},
		{"email bad", domain.Question{ID: "q", Label: "Email", Validations: []domain.ValidationRule{{Kind: domain.RuleEmail}}}, "not-an-email", false, true},
		{"phone ok", domain.Question{ID: "q", Label: "Phone", Validations: []domain.ValidationRule{{Kind: domain.RulePhone}}}, "(11) 98765-4321", false, false},
		{"phone short", domain.Question{ID: "q", Label: "Phone", Validations: []domain.ValidationRule{{Kind: domain.RulePhone}}}, "12345", false, true},
		{"cpf ok", domain.Question{ID: "q", Label: "CPF", Validations: []domain.ValidationRule{{Kind: domain.RuleCPF}}}, "529.982.247-25", false, false},
		{"cpf bad check digit", domain.Question{ID: "q", Label: "CPF", Validations: []domain.ValidationRule{{Kind: domain.RuleCPF}}}, "529.982.247-26", false, true},
		{"cpf repeated digits", domain.Question{ID: "q", Label: "CPF", Validations: []domain.ValidationRule{{Kind: domain.RuleCPF}}}, "111.111.111-11", false, true},
		{"cnpj ok", domain.Question{ID: "q", Label: "CNPJ", Validations: []domain.ValidationRule{{Kind: domain.RuleCNPJ}}}, "11.222.333/0001-81", false, false},
		{"cnpj bad", domain.Question{ID: "q", Label: "CNPJ", Validations: []domain.ValidationRule{{Kind: domain.RuleCNPJ}}}, "11.222.333/0001-80", false, true},
		{"min value fail", domain.Question{ID: "q", Label: "Km", Validations: []domain.ValidationRule{{Kind: domain.RuleMinValue, Value: f64(0)}}}, float64(-5), false, true},
		{"max value ok", domain.Question{ID: "q", Label: "Level", Validations: []domain.ValidationRule{{Kind: domain.RuleMaxValue, Value: f64(100)}}}, float64(80), false, false},
		{"min length fail", domain.Question{ID: "q", Label: "Plate", Validations: []domain.ValidationRule{{Kind: domain.RuleMinLength, Value: f64(7)}}}, "ABC", false, true},
		{"max length fail", domain.Question{ID: "q", Label: "Note", Validations: []domain.ValidationRule{{Kind: domain.RuleMaxLength, Value: f64(3)}}}, "toolong", false, true},
		{"file type ok", domain.Question{ID: "q", Label: "Photo", Validations: []domain.ValidationRule{{Kind: domain.RuleFileType, Text: "jpg,png"}}}, "front.JPG", false, false},
		{"file type bad", domain.Question{ID: "q", Label: "Photo", Validations: []domain.ValidationRule{{Kind: domain.RuleFileType, Text: "jpg,png"}}}, "doc.pdf", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgs := engine.ValidateResponse(tc.question, tc.value, tc.required)
			if tc.wantFail && len(msgs) == 0 {
				t.Fatalf("expected failure, got none")
			}
			if !tc.wantFail && len(msgs) > 0 {
				t.Fatalf("expected pass, got %v", msgs)
			}
		})
	}
}

func TestValidateResponseCustomMessage(t *testing.T) {
	q := domain.Question{ID: "q", Label: "Email", Validations: []domain.ValidationRule{
		{Kind: domain.RuleEmail, Message: "informe um email valido"},
	}}
	msgs := engine.ValidateResponse(q, "nope", false)
	if len(msgs) != 1 || msgs[0] != "informe um email valido" {
		t.Fatalf("custom message not used: %v", msgs)
	}
}

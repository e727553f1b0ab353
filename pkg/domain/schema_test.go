package domain

import "testing"

func validSchema() DecisionSchema {
	return DecisionSchema{
		Version: 1,
		Choices: []DecisionChoice{
			{ID: "pass", Label: "PASS", Hotkey: "p"},
			{ID: "fail", Label: "FAIL", Hotkey: "f"},
		},
		AllowNotes: true,
	}
}

func TestDecisionSchemaValidate(t *testing.T) {
	if err := validSchema().Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	s := validSchema()
	s.Choices[0].ID = "has space"
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of malformed choice id")
	}

	s = validSchema()
	s.Choices[1].ID = s.Choices[0].ID
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of duplicate choice id")
	}

	s = validSchema()
	s.Choices = nil
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of empty choice list")
	}

	s = validSchema()
	s.Version = 0
	if err := s.Validate(); err == nil {
		t.Fatalf("expected rejection of version 0")
	}
}

func TestHasChoice(t *testing.T) {
	s := validSchema()
	if !s.HasChoice("pass") {
		t.Fatalf("expected pass to be a known choice")
	}
	if s.HasChoice("skip") {
		t.Fatalf("skip is not in the schema")
	}
}

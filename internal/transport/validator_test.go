package transport

import (
	"encoding/json"
	"testing"

	"helm/internal/helm"
)

func TestValidatePassesWellFormedCommand(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	raw := json.RawMessage(`{"type":"command","sessionId":"s1","reqId":"r1","command":"click"}`)
	if err := v.Validate(helm.TypeCommand, raw); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsCommandMissingRequiredFields(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	raw := json.RawMessage(`{"type":"command","sessionId":"s1"}`)
	if err := v.Validate(helm.TypeCommand, raw); err == nil {
		t.Error("expected validation error for missing reqId/command")
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	raw := json.RawMessage(`{not valid json`)
	if err := v.Validate(helm.TypeCommand, raw); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestValidateUnknownTypePassesUnconditionally(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	raw := json.RawMessage(`{"type":"welcome"}`)
	if err := v.Validate(helm.TypeWelcome, raw); err != nil {
		t.Errorf("unexpected validation error for type with no schema: %v", err)
	}
}

func TestValidateRejectsUnregisterWithoutSessionID(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	raw := json.RawMessage(`{"type":"unregister"}`)
	if err := v.Validate(helm.TypeUnregister, raw); err == nil {
		t.Error("expected validation error for missing sessionId")
	}
}

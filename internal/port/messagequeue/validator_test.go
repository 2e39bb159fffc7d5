package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidRunJob(t *testing.T) {
	data := []byte(`{"run_id":"r1","tool_id":"echo_test","args":{"message":"hi"},"user_id":"u1"}`)
	if err := Validate(SubjectRunExecute, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRunJobMissingRunID(t *testing.T) {
	data := []byte(`{"tool_id":"echo_test"}`)
	err := Validate(SubjectRunExecute, data)
	if err == nil || !strings.Contains(err.Error(), "run_id") {
		t.Fatalf("expected run_id error, got %v", err)
	}
}

func TestValidateRunJobWrongType(t *testing.T) {
	data := []byte(`{"run_id":"r1","args":"not-an-object"}`)
	if err := Validate(SubjectRunExecute, data); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestValidateValidRunEvent(t *testing.T) {
	data := []byte(`{"run_id":"r1","tool_id":"t","status":"succeeded","exit_code":0}`)
	if err := Validate(SubjectRunEvents, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	data := []byte(`{not valid json`)
	err := Validate(SubjectRunExecute, data)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

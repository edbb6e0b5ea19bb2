package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeChainFailure, cause, "发送交易失败", WithMetadata("stage", "funding"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(fmt.Errorf("outer: %w", err), New(CodeChainFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeChainFailure {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if got := err.Metadata()["stage"]; got != "funding" {
		t.Fatalf("unexpected metadata %q", got)
	}
}

func TestFatalClassification(t *testing.T) {
	if IsFatal(nil) {
		t.Fatal("nil error must not be fatal")
	}
	if IsFatal(New(CodeChainFailure, "")) {
		t.Fatal("chain failure should be isolated by default")
	}
	if !IsFatal(New(CodeChainFailure, "", WithFatal(true))) {
		t.Fatal("override should mark error fatal")
	}
	if !IsFatal(stdErrors.New("plain")) {
		t.Fatal("unclassified errors are fatal")
	}
	if !IsFatal(New(CodeConfigInvalid, "")) {
		t.Fatal("config errors are fatal")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !RetryableError(err) {
		t.Fatal("expected registered retryable attribute")
	}
	if SeverityOf(err) != SeverityInfo {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}

	found := false
	for _, c := range Codes() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatal("registered code missing from Codes()")
	}
}

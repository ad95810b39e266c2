package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestErrorFormatting(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("disk full"), "写入失败")
	if got := err.Error(); got != "[STORAGE_FAILURE] 写入失败: disk full" {
		t.Fatalf("unexpected error string: %q", got)
	}
	if !err.Retryable() {
		t.Fatalf("storage failure should be retryable by default")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("expected code to be found through wrapping")
	}
}

func TestIsComparesCode(t *testing.T) {
	a := New(CodeProtocolFailure, "a")
	b := Wrap(CodeProtocolFailure, stdErrors.New("cause"), "b")
	if !stdErrors.Is(a, b) {
		t.Fatalf("expected errors with same code to match")
	}
	if stdErrors.Is(a, New(CodeTimeout, "a")) {
		t.Fatalf("expected errors with different codes not to match")
	}
}

func TestMessageOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: stdErrors.New("boom"), want: "boom"},
		{name: "coded", err: New(CodeNotInitialized, "client not initialized"), want: "client not initialized"},
		{name: "wrapped", err: Wrap(CodeProtocolFailure, stdErrors.New("timeout"), "Failed to fetch lending rates"), want: "Failed to fetch lending rates: timeout"},
		{name: "nested", err: Wrap(CodeLLMFailure, New(CodeTimeout, "deadline"), "compose"), want: "compose: deadline"},
		{name: "foreign wrapper", err: fmt.Errorf("outer: %w", New(CodeTimeout, "deadline")), want: "outer: deadline"},
		{name: "foreign wrapper around nested", err: fmt.Errorf("task t-1: %w", Wrap(CodeStorageFailure, stdErrors.New("disk full"), "写入失败")), want: "task t-1: 写入失败: disk full"},
		{name: "joined", err: stdErrors.Join(New(CodeInvalidArgument, "missing"), stdErrors.New("other")), want: "missing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MessageOf(tc.err); got != tc.want {
				t.Fatalf("MessageOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRegisterOverridesAttributes(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom", Severity: SeverityCritical, Retryable: true})
	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message from registry, got %q", err.Message())
	}
	if !RetryableError(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("unexpected attributes for registered code")
	}
	if SeverityOf(New(code, "x", WithSeverity(SeverityInfo))) != SeverityInfo {
		t.Fatalf("option should override registry severity")
	}
}

func TestUnknownErrorsFallBack(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown || RetryableError(plain) || ShouldAlert(plain) {
		t.Fatalf("plain errors must classify as non-retryable UNKNOWN")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("plain errors inherit UNKNOWN severity, got %s", SeverityOf(plain))
	}
	if got := New(Code("NEVER_REGISTERED"), "").Message(); got != AttributesOf(CodeUnknown).Message {
		t.Fatalf("unregistered code should use UNKNOWN message, got %q", got)
	}
}

func TestLogAttr(t *testing.T) {
	err := fmt.Errorf("task t-9: %w", Wrap(CodeStorageFailure, stdErrors.New("disk full"), "写入失败"))
	attr := LogAttr(err)
	if attr.Key != "error" {
		t.Fatalf("unexpected key %q", attr.Key)
	}
	got := map[string]any{}
	for _, a := range attr.Value.Group() {
		got[a.Key] = a.Value.Any()
	}
	want := map[string]any{
		"code":     "STORAGE_FAILURE",
		"severity": "critical",
		"alert":    true,
		"message":  "task t-9: 写入失败: disk full",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected attrs (-want +got):\n%s", diff)
	}
	if !LogAttr(nil).Equal(slog.Attr{}) {
		t.Fatalf("nil error should produce an empty attr")
	}
}

package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := Wrap(CodeStorageUnavailable, cause, "写入任务失败")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(err) != CodeStorageUnavailable {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if got := err.Error(); got != "[STORAGE_UNAVAILABLE] 写入任务失败: disk full" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeSerialization, "")
	err := fmt.Errorf("save: %w", Wrap(CodeSerialization, stdErrors.New("bad value"), "编码失败"))

	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeStorageUnavailable, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestAttributesDriveRetryAndAlert(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
		alert     bool
	}{
		{CodeStorageUnavailable, true, true},
		{CodeSerialization, false, false},
		{CodeBusy, true, false},
		{Code("NEVER_REGISTERED"), false, true},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if RetryableError(err) != tc.retryable {
			t.Fatalf("%s: retryable = %v, want %v", tc.code, RetryableError(err), tc.retryable)
		}
		if ShouldAlert(err) != tc.alert {
			t.Fatalf("%s: alert = %v, want %v", tc.code, ShouldAlert(err), tc.alert)
		}
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageUnavailable, "只读文件系统",
		WithRetryable(false),
		WithSeverity(SeverityWarning),
		WithMetadata("path", "/data/tasks.db"),
	)
	if err.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if err.Metadata()["path"] != "/data/tasks.db" {
		t.Fatalf("unexpected metadata: %v", err.Metadata())
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}

func TestRegisterAppliesToNewErrors(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "registered" || !err.Retryable() || err.ShouldAlert() {
		t.Fatalf("registered attributes not applied: %+v", err)
	}
	if !New(code, "", WithAlert(true)).ShouldAlert() {
		t.Fatalf("expected alert override")
	}
	if SeverityOf(err) != SeverityWarning || SeverityOf(stdErrors.New("plain")) != SeverityCritical {
		t.Fatalf("unexpected severity resolution")
	}
}

func TestLogValueGroupsMetadata(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	err := Wrap(CodeStorageUnavailable, stdErrors.New("disk full"), "写入任务失败",
		WithMetadata("task_id", "t1"))
	log.Info("save", slog.Any("error", err))

	out := buf.String()
	for _, want := range []string{"error.code=STORAGE_UNAVAILABLE", "error.cause=\"disk full\"", "error.task_id=t1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %s", want, out)
		}
	}
}

package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditorLogsWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	auditor := NewAuditor(logger, true)
	auditor.LogTokenIssued("client-1", "192.0.2.1", "read write")

	out := buf.String()
	if !strings.Contains(out, "security_audit") {
		t.Errorf("expected audit record, got %q", out)
	}
	if !strings.Contains(out, "token_issued") {
		t.Errorf("expected event type in record, got %q", out)
	}
	if !strings.Contains(out, "client-1") {
		t.Errorf("expected client id in record, got %q", out)
	}
}

func TestAuditorSilentWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	auditor := NewAuditor(logger, false)
	auditor.LogAuthFailure("client-1", "192.0.2.1", "invalid_token")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %q", buf.String())
	}
}

func TestAuditorNilReceiver(t *testing.T) {
	var auditor *Auditor
	auditor.LogRateLimitExceeded("client-1", "192.0.2.1", 100)
}

func TestHashForLogging(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "token", input: "super-secret-token"},
		{name: "short", input: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HashForLogging(tt.input)
			if len(got) != 16 {
				t.Errorf("HashForLogging() length = %d, want 16", len(got))
			}
			if got == tt.input {
				t.Error("HashForLogging() returned input unchanged")
			}
			if again := HashForLogging(tt.input); again != got {
				t.Errorf("HashForLogging() not stable: %q vs %q", got, again)
			}
		})
	}

	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q, want %q", got, "<empty>")
	}
}

package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesQueriesAlone(t *testing.T) {
	in := "what is the vacation policy for 2024"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v", in, out, changed)
	}
}

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"short":                "****",
		"0123456789abcdefWXYZ": "****WXYZ",
	}
	for in, want := range cases {
		if got := MaskSecret(in); got != want {
			t.Fatalf("MaskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateForLog(t *testing.T) {
	if got := TruncateForLog("héllo world", 2); got != "h…" {
		t.Fatalf("TruncateForLog = %q, want %q", got, "h…")
	}
	if got := TruncateForLog("short", 10); got != "short" {
		t.Fatalf("TruncateForLog = %q", got)
	}
}

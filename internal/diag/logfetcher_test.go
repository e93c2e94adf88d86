package diag

import "testing"

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("/var/log/archon's.log")
	want := `'/var/log/archon'\''s.log'`
	if got != want {
		t.Fatalf("shellQuote = %q, want %q", got, want)
	}
}

func TestShellQuotePlainPath(t *testing.T) {
	got := shellQuote("/var/log/archon.log")
	want := "'/var/log/archon.log'"
	if got != want {
		t.Fatalf("shellQuote = %q, want %q", got, want)
	}
}

package sysupdate

import "testing"

func TestEscapeLabelRoundTrip(t *testing.T) {
	cases := []string{
		"host",
		"my-component",
		"weird name/with:chars",
		"",
		"_",
		"123leadingdigit",
	}
	for _, s := range cases {
		esc := escapeLabel(s)
		got, err := unescapeLabel(esc)
		if err != nil {
			t.Fatalf("unescapeLabel(%q) for input %q: %v", esc, s, err)
		}
		if got != s {
			t.Errorf("round trip mismatch: %q -> %q -> %q", s, esc, got)
		}
	}
}

func TestEscapeLabelKnownValues(t *testing.T) {
	cases := map[string]string{
		"host": "host",
		"":     "_",
		"a/b":  "a_2Fb",
	}
	for in, want := range cases {
		if got := escapeLabel(in); got != want {
			t.Errorf("escapeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnescapeLabelRejectsTruncatedEscape(t *testing.T) {
	if _, err := unescapeLabel("foo_2"); err == nil {
		t.Error("expected error for truncated escape, got nil")
	}
}

func TestUnescapeLabelRejectsInvalidHex(t *testing.T) {
	if _, err := unescapeLabel("foo_ZZ"); err == nil {
		t.Error("expected error for invalid hex escape, got nil")
	}
}

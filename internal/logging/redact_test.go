package logging

import "testing"

func TestMaskEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "a***e@e*****e.c*m"},
		{"a@b.io", "*@*.io"},
		{"not-an-address", "not-an-address"},
		{"@example.com", "@example.com"},
		{"bob@", "bob@"},
	}

	for _, tt := range tests {
		if got := MaskEmail(tt.in); got != tt.want {
			t.Errorf("MaskEmail(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddress_RespectsRedactionSwitch(t *testing.T) {
	SetRedactAddresses(false)
	if got := Address("alice@example.com"); got != "alice@example.com" {
		t.Errorf("unredacted: got %q", got)
	}

	SetRedactAddresses(true)
	defer SetRedactAddresses(false)
	if got := Address("alice@example.com"); got != "a***e@e*****e.c*m" {
		t.Errorf("redacted: got %q", got)
	}
}

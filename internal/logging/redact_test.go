package logging

import "testing"

func TestRedactHeaderValue(t *testing.T) {
	cases := []struct {
		name, value, want string
	}{
		{"Authorization", "Bearer sk-1234567890", "Bearer ****"},
		{"Cookie", "session=abc123def456", "sess****"},
		{"X-Request-Id", "r0", "r0"},
	}
	for _, c := range cases {
		if got := RedactHeaderValue(c.name, c.value); got != c.want {
			t.Errorf("RedactHeaderValue(%q, %q) = %q, want %q", c.name, c.value, got, c.want)
		}
	}
}

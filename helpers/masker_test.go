package helpers

import "testing"

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"pass is redacted", "PASS secret", "PASS [REDACTED]"},
		{"pass with spaces", "pass correct horse battery\r\n", "pass [REDACTED]"},
		{"bare pass", "PASS", "PASS"},
		{"user is kept", "USER bob", "USER bob"},
		{"retr is kept", "RETR 1\r\n", "RETR 1"},
		{"password-like verb", "PASSWORD x", "PASSWORD x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskSensitive(tt.line); got != tt.want {
				t.Errorf("MaskSensitive(%q) = %q, want %q", tt.line, got, tt.want)
			}
		})
	}
}

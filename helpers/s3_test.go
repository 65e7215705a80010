package helpers

import "testing"

func TestNewS3Key(t *testing.T) {
	tests := []struct {
		user string
		want string
	}{
		{"Bob@Example.com", "example.com/bob/abc"},
		{"bob", "bob/abc"},
	}

	for _, tt := range tests {
		local, domain := SplitEmailAddress(tt.user)
		if got := NewS3Key(domain, local, "abc"); got != tt.want {
			t.Errorf("NewS3Key for %q = %q, want %q", tt.user, got, tt.want)
		}
	}
}

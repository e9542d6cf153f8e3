package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"/usr/bin/make", "/usr/bin/make"},
		{"", "''"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"a;b", "'a;b'"},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShellQuote(tt.in), "input %q", tt.in)
	}
}

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "ls -la 'my dir'", ShellJoin([]string{"ls", "-la", "my dir"}))
	assert.Equal(t, "", ShellJoin(nil))
}

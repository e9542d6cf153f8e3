package runner

import "strings"

// ShellQuote returns s quoted for safe interpolation into a POSIX shell
// command line.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsFunc(s, needsQuoting) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	}
	switch r {
	case '-', '_', '.', '/', ':', '=', ',', '@', '%', '+':
		return false
	}
	return true
}

// ShellJoin quotes each argument and joins them with spaces, producing
// the string handed to `shell -l -c` for Exec commands.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = ShellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

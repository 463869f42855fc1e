package secrets

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// IsTerminalFunc and ReadPasswordFunc wrap the term package so tests
// can simulate terminal and piped input.
var (
	IsTerminalFunc   = term.IsTerminal
	ReadPasswordFunc = term.ReadPassword
)

// Prompt reads a secret value from the user. On a terminal the input is
// hidden; otherwise (piped stdin) the first line is read verbatim so
// `echo $KEY | claimlens keys set ...` works in scripts.
func Prompt(out io.Writer, in *os.File, label string) (string, error) {
	fd := int(in.Fd())
	if IsTerminalFunc(fd) {
		fmt.Fprintf(out, "%s: ", label)
		raw, err := ReadPasswordFunc(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

package confirm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrDeclined is returned when the operator does not type the expected word.
var ErrDeclined = errors.New("operation not confirmed")

// Prompt asks the operator to retype a word before a destructive command runs.
// Setting envVar to "yes" skips the prompt for scripted use.
type Prompt struct {
	envVar string
	in     io.Reader
	out    io.Writer
	isTTY  func() bool
}

// NewPrompt constructs a prompt reading from stdin and writing to stderr.
func NewPrompt(envVar string) *Prompt {
	return &Prompt{
		envVar: strings.TrimSpace(envVar),
		in:     os.Stdin,
		out:    os.Stderr,
		isTTY:  func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// Require returns nil once the operator has typed word.
func (p *Prompt) Require(action, word string) error {
	if p.envVar != "" {
		if value, ok := os.LookupEnv(p.envVar); ok && strings.EqualFold(strings.TrimSpace(value), "yes") {
			return nil
		}
	}
	if !p.isTTY() {
		if p.envVar != "" {
			return fmt.Errorf("%s requires confirmation; pass -yes, set %s=yes or run interactively", action, p.envVar)
		}
		return fmt.Errorf("%s requires confirmation and no terminal is available", action)
	}
	fmt.Fprintf(p.out, "%s. Type %q to continue: ", action, word)
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if strings.TrimSpace(line) != word {
		return ErrDeclined
	}
	return nil
}

// Package menu is the interactive numbered-menu front end. Prompts read whole
// lines; secrets are read without echo when stdin is a terminal.
package menu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrCancelled is returned when the operator declines a prompt.
var ErrCancelled = errors.New("cancelled")

type Prompter struct {
	in     *bufio.Reader
	out    io.Writer
	secret func() (string, error)
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		p.secret = func() (string, error) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(out)
			return string(b), err
		}
	}
	return p
}

// Line prints prompt and returns the trimmed answer. io.EOF is returned only
// when nothing was read.
func (p *Prompter) Line(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// Ask returns def on an empty answer.
func (p *Prompter) Ask(prompt, def string) (string, error) {
	q := prompt + ": "
	if def != "" {
		q = fmt.Sprintf("%s [%s]: ", prompt, def)
	}
	s, err := p.Line(q)
	if err != nil {
		return "", err
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

func (p *Prompter) Confirm(prompt string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	s, err := p.Line(fmt.Sprintf("%s (%s): ", prompt, hint))
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// ConfirmWord requires the operator to type word exactly.
func (p *Prompter) ConfirmWord(prompt, word string) (bool, error) {
	s, err := p.Line(fmt.Sprintf("%s Type '%s' to confirm: ", prompt, word))
	if err != nil {
		return false, err
	}
	return s == word, nil
}

// Choose prints a numbered list and returns the 0-based index picked, or -1
// for "0". Invalid answers are asked again.
func (p *Prompter) Choose(title string, options []string, back string) (int, error) {
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, strings.Repeat("=", 60))
	fmt.Fprintln(p.out, "  "+title)
	fmt.Fprintln(p.out, strings.Repeat("=", 60))
	for i, o := range options {
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, o)
	}
	fmt.Fprintf(p.out, "\n  0. %s\n\n", back)

	for {
		s, err := p.Line("Select an option: ")
		if err != nil {
			return -1, err
		}
		n, err := strconv.Atoi(s)
		if err == nil && n >= 0 && n <= len(options) {
			return n - 1, nil
		}
		fmt.Fprintln(p.out, "Invalid option")
	}
}

// Secret reads a value without echo on a terminal, as a plain line otherwise.
func (p *Prompter) Secret(prompt string) (string, error) {
	if p.secret == nil {
		return p.Line(prompt)
	}
	fmt.Fprint(p.out, prompt)
	return p.secret()
}

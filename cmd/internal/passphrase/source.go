package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const label = "treasury keystore passphrase"

// Prompter reads a secret from an interactive terminal.
type Prompter interface {
	Interactive() bool
	ReadSecret(prompt string) (string, error)
}

// Source resolves the treasury passphrase once, from the environment or a
// terminal prompt, and caches the outcome (including failures).
type Source struct {
	envVar string
	lookup func(string) (string, bool)
	prompt Prompter

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithPrompter replaces the stdin terminal prompter.
func WithPrompter(p Prompter) Option {
	return func(s *Source) {
		if p != nil {
			s.prompt = p
		}
	}
}

// WithLookup replaces os.LookupEnv.
func WithLookup(fn func(string) (string, bool)) Option {
	return func(s *Source) {
		if fn != nil {
			s.lookup = fn
		}
	}
}

func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		lookup: os.LookupEnv,
		prompt: stdinPrompter{out: os.Stderr},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase. An env var that is set wins over the prompt even
// when blank, in which case it is an error.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.prompt.Interactive() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s required; set %s or run interactively", label, s.envVar)
		}
		return "", fmt.Errorf("%s required and no terminal available", label)
	}
	value, err := s.prompt.ReadSecret("Enter " + label + ": ")
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New(label + " cannot be empty")
	}
	return value, nil
}

type stdinPrompter struct {
	out io.Writer
}

func (stdinPrompter) Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (p stdinPrompter) ReadSecret(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

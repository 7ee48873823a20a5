// Package console implements the conversion consent contract on a
// terminal, for headless use of castout outside a player UI.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"go2tv.app/castout/internal/adapters"
)

// Prompter asks the conversion performance question on a terminal.
type Prompter struct {
	in      *bufio.Reader
	out     io.Writer
	persist func() error
}

// New builds a prompter reading answers from in and writing the question
// to out. persist is invoked for "always"; typically
// config.Store.PersistSkipPerfWarning.
func New(in io.Reader, out io.Writer, persist func() error) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, persist: persist}
}

func (p *Prompter) RequestTranscodeConsent() adapters.Decision {
	fmt.Fprintln(p.out, "Casting this video requires conversion. This conversion can use all the available power and could quickly drain your battery.")
	fmt.Fprint(p.out, "Continue? [y]es / [a]lways / [N]o: ")

	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return adapters.DecisionDecline
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return adapters.DecisionApprove
	case "a", "always":
		return adapters.DecisionApproveAndRemember
	default:
		return adapters.DecisionDecline
	}
}

func (p *Prompter) PersistSkip() error {
	if p.persist == nil {
		return nil
	}
	return p.persist()
}

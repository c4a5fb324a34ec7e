package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hddq/restoid-sub000/internal/restoid"

	"golang.org/x/term"
)

// progressPrinter renders the progress of one operation on stderr. A terminal
// gets a single line rewritten in place, anything else one line per stage.
type progressPrinter struct {
	done chan struct{}
}

func (p *progressPrinter) watch(op *restoid.Operation) {
	p.done = make(chan struct{})
	updates := op.Subscribe()
	interactive := term.IsTerminal(int(os.Stderr.Fd()))

	go func() {
		defer close(p.done)
		lastStage := ""
		for s := range updates {
			if s.IsFinished {
				if interactive {
					fmt.Fprintln(os.Stderr)
				}
				continue
			}
			if interactive {
				fmt.Fprintf(os.Stderr, "\r\033[K%3.0f%%  %-16s %s", s.OverallPercentage*100, s.StageTitle, itemText(s))
			} else if s.StageTitle != lastStage {
				fmt.Fprintf(os.Stderr, "%3.0f%%  %s\n", s.OverallPercentage*100, s.StageTitle)
			}
			lastStage = s.StageTitle
		}
	}()
}

// wait blocks until the final state was rendered.
func (p *progressPrinter) wait() {
	if p.done != nil {
		<-p.done
	}
}

func itemText(s restoid.ProgressState) string {
	switch {
	case s.CurrentItem != "" && s.TotalItems > 0:
		return fmt.Sprintf("%d/%d %s", s.ItemsProcessed, s.TotalItems, s.CurrentItem)
	case s.TotalItems > 0:
		return fmt.Sprintf("%d/%d", s.ItemsProcessed, s.TotalItems)
	}
	return s.CurrentItem
}

// readSecret prompts for a secret on a terminal, or reads one line from
// standard input otherwise.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading secret from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(b), nil
}

// readNewPassword reads a repository password. A password that creates or
// replaces one is asked for twice on a terminal.
func readNewPassword(confirm bool) (string, error) {
	password, err := readSecret("Repository password: ")
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if !confirm || !term.IsTerminal(int(os.Stdin.Fd())) {
		return password, nil
	}
	again, err := readSecret("Repeat password: ")
	if err != nil {
		return "", err
	}
	if again != password {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

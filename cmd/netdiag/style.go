package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// styles colors CLI output when it goes to a terminal.
type styles struct {
	header lipgloss.Style
	reply  lipgloss.Style
	warn   lipgloss.Style
	muted  lipgloss.Style
}

func newStyles(out io.Writer) styles {
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		plain := lipgloss.NewStyle()
		return styles{header: plain, reply: plain, warn: plain, muted: plain}
	}

	return styles{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		reply:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

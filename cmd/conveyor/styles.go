// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/conveyor/lib/schema"
)

// Palette in ANSI 256-color codes for dark terminals.
var (
	colorGreen  = lipgloss.Color("114")
	colorAmber  = lipgloss.Color("220")
	colorRed    = lipgloss.Color("196")
	colorBlue   = lipgloss.Color("75")
	colorPurple = lipgloss.Color("141")
	colorFaint  = lipgloss.Color("245")
)

// styles renders for one output stream. The renderer detects whether
// that stream is a color terminal, so piped output stays plain.
type styles struct {
	// plain is set when the stream takes no escape sequences at all.
	plain bool

	id       lipgloss.Style
	faint    lipgloss.Style
	warn     lipgloss.Style
	failure  lipgloss.Style
	success  lipgloss.Style
	running  lipgloss.Style
	frozen   lipgloss.Style
	stderr   lipgloss.Style
	taskName lipgloss.Style
	banner   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	renderer := lipgloss.NewRenderer(w)
	return styles{
		plain:    renderer.ColorProfile() == termenv.Ascii,
		id:       renderer.NewStyle().Bold(true),
		faint:    renderer.NewStyle().Foreground(colorFaint),
		warn:     renderer.NewStyle().Foreground(colorAmber),
		failure:  renderer.NewStyle().Foreground(colorRed).Bold(true),
		success:  renderer.NewStyle().Foreground(colorGreen),
		running:  renderer.NewStyle().Foreground(colorBlue),
		frozen:   renderer.NewStyle().Foreground(colorPurple).Bold(true),
		stderr:   renderer.NewStyle().Foreground(colorRed),
		taskName: renderer.NewStyle().Foreground(colorBlue),
		banner: renderer.NewStyle().
			Foreground(colorPurple).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1),
	}
}

func (s styles) phase(phase schema.PipelinePhase) string {
	switch phase {
	case schema.PhaseStarted:
		return s.running.Render(string(phase))
	case schema.PhaseWaiting:
		return s.warn.Render(string(phase))
	default:
		return s.faint.Render(string(phase))
	}
}

func (s styles) jobState(state schema.JobState) string {
	switch state {
	case schema.JobFinished:
		return s.success.Render(string(state))
	case schema.JobFailed, schema.JobCancelled:
		return s.failure.Render(string(state))
	case schema.JobFrozen:
		return s.frozen.Render(string(state))
	case schema.JobBuilding:
		return s.running.Render(string(state))
	default:
		return s.faint.Render(string(state))
	}
}

func (s styles) stageState(state string) string {
	switch state {
	case "finished":
		return s.success.Render(state)
	case "failed":
		return s.failure.Render(state)
	case "awaiting approval":
		return s.warn.Render(state)
	case "running":
		return s.running.Render(state)
	default:
		return s.faint.Render(state)
	}
}

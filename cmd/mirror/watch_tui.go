package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftmirror/internal/controlplane/handlers"
	"github.com/openmined/syftmirror/internal/sync"
)

const (
	maxWatchedPaths  = 12
	maxWatchedErrors = 5
	txtWatchHelp     = "Press 'q' or 'Esc' to quit."
)

// snapshot is one poll of the control plane
type snapshot struct {
	status *handlers.StatusResponse
	paths  []sync.PathStatus
}

type fetchFunc func(ctx context.Context) (*snapshot, error)

type snapshotMsg struct {
	snap *snapshot
	err  error
}

type pollMsg struct{}

// watchModel polls the control plane and renders what the mirror is doing
type watchModel struct {
	fetch    fetchFunc
	interval time.Duration
	spinner  spinner.Model

	snap    *snapshot
	err     error
	updated time.Time
	width   int
}

func newWatchModel(fetch fetchFunc, interval time.Duration) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	return watchModel{
		fetch:    fetch,
		interval: interval,
		spinner:  s,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := m.fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.updated = time.Now()
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg {
			return pollMsg{}
		})

	case pollMsg:
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SyftMirror"))
	if m.snap != nil {
		b.WriteString(" " + grayStyle.Render(m.snap.status.Version))
	}
	b.WriteString("\n\n")

	if m.snap == nil {
		if m.err != nil {
			b.WriteString(errorStyle.Render("Error: "+m.err.Error()) + "\n")
		} else {
			b.WriteString(m.spinner.View() + " connecting...\n")
		}
		b.WriteString("\n" + helpStyle.Render(txtWatchHelp) + "\n")
		return b.String()
	}

	s := m.snap.status.Sync
	state := redStyle.Render("stopped")
	if s.IsRunning {
		state = greenStyle.Render("running")
	}
	fmt.Fprintf(&b, "%s %s  %s synced  %s pending  %s active  %s retrying  %s failed\n",
		m.spinner.View(), state,
		humanize.Comma(int64(s.Counts.Synced)),
		humanize.Comma(int64(s.Counts.Pending)),
		humanize.Comma(int64(s.Counts.Active)),
		humanize.Comma(int64(s.Counts.Retrying)),
		humanize.Comma(int64(s.Counts.PermanentFailures)),
	)

	if len(m.snap.paths) > 0 {
		b.WriteString("\n" + headerStyle.Render("In progress") + "\n")
		paths := slices.Clone(m.snap.paths)
		slices.SortFunc(paths, func(a, b sync.PathStatus) int {
			return strings.Compare(a.Key, b.Key)
		})
		for i, p := range paths {
			if i == maxWatchedPaths {
				fmt.Fprintf(&b, "  %s\n", grayStyle.Render(fmt.Sprintf("... and %d more", len(paths)-maxWatchedPaths)))
				break
			}
			line := fmt.Sprintf("  %-12s %s", p.State, cyanStyle.Render(p.Key))
			if p.Attempts > 0 {
				line += grayStyle.Render(fmt.Sprintf(" attempt %d", p.Attempts))
			}
			b.WriteString(line + "\n")
		}
	}

	if len(s.Errors) > 0 {
		b.WriteString("\n" + headerStyle.Render("Recent errors") + "\n")
		start := max(0, len(s.Errors)-maxWatchedErrors)
		for _, e := range s.Errors[start:] {
			fmt.Fprintf(&b, "  %s %s\n", e.Path, errorStyle.Render(e.Error))
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("Error: "+m.err.Error()) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render(fmt.Sprintf("Updated %s. %s", humanize.Time(m.updated), txtWatchHelp)) + "\n")
	return b.String()
}

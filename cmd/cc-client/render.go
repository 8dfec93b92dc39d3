package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"cc-client/internal/core"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

const promptWidth = 60

// renderTable writes left-aligned columns. Cells may carry styling; widths
// are measured on the visible text.
func renderTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := lipgloss.Width(cell); i < len(widths) && n > widths[i] {
				widths[i] = n
			}
		}
	}
	line := func(cells []string, style func(string) string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			if style != nil {
				cell = style(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
			}
		}
		return b.String()
	}
	fmt.Fprintln(w, line(header, func(s string) string { return headerStyle.Render(s) }))
	for _, row := range rows {
		fmt.Fprintln(w, line(row, nil))
	}
}

func serverStatus(s core.ServerStatus) string {
	switch s {
	case core.ServerOnline:
		return okStyle.Render(string(s))
	case core.ServerOffline:
		return errStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func sessionStatus(s core.SessionStatus) string {
	switch s {
	case core.SessionRunning:
		return okStyle.Render(string(s))
	case core.SessionStarting, core.SessionStopping:
		return warnStyle.Render(string(s))
	case core.SessionError:
		return errStyle.Render(string(s))
	default:
		return dimStyle.Render(string(s))
	}
}

func age(ms int64, now time.Time) string {
	if ms <= 0 {
		return "-"
	}
	d := now.Sub(time.UnixMilli(ms))
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func printServers(w io.Writer, servers []core.Server, now time.Time) {
	if len(servers) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no servers registered"))
		return
	}
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		rows = append(rows, []string{
			s.ServerID,
			s.Hostname,
			serverStatus(s.Status),
			s.OS + "/" + s.Arch,
			strings.Join(s.Tags, ","),
			age(s.LastSeenMS, now),
		})
	}
	renderTable(w, []string{"SERVER", "HOSTNAME", "STATUS", "PLATFORM", "TAGS", "SEEN"}, rows)
}

func printSessions(w io.Writer, sessions []core.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no sessions"))
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		approval := ""
		if s.AwaitingApproval {
			approval = warnStyle.Render("waiting")
		}
		rows = append(rows, []string{
			s.ShortID(),
			s.ServerID,
			sessionStatus(s.Status),
			s.Cwd,
			approval,
			age(s.CreatedAtMS, now),
		})
	}
	renderTable(w, []string{"SESSION", "SERVER", "STATUS", "CWD", "APPROVAL", "AGE"}, rows)
}

func printEvents(w io.Writer, events []core.SessionEvent, now time.Time) {
	if len(events) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no events"))
		return
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		resolved := ""
		if ev.Resolved {
			resolved = dimStyle.Render("resolved")
		}
		rows = append(rows, []string{
			ev.EventID,
			ev.Kind,
			age(ev.TsMS, now),
			resolved,
			truncate(ev.PromptText, promptWidth),
		})
	}
	renderTable(w, []string{"EVENT", "KIND", "AGE", "STATE", "PROMPT"}, rows)
}

func printApprovals(w io.Writer, approvals []core.SessionEvent, now time.Time) {
	if len(approvals) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no pending approvals"))
		return
	}
	rows := make([][]string, 0, len(approvals))
	for _, ev := range approvals {
		rows = append(rows, []string{
			ev.EventID,
			core.Session{SessionID: ev.SessionID}.ShortID(),
			ev.ServerID,
			age(ev.TsMS, now),
			truncate(ev.PromptText, promptWidth),
		})
	}
	renderTable(w, []string{"EVENT", "SESSION", "SERVER", "AGE", "PROMPT"}, rows)
}

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"loopd/internal/control"
	"loopd/internal/loop"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(12)

	stateStyles = map[loop.ResponseState]lipgloss.Style{
		loop.Done:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		loop.Skip:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		loop.NoResponse: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		loop.Disabled:   mutedStyle,
	}
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderLoops(ls []loop.Loop) string {
	t := newTable("ID", "", "TITLE", "WINDOW", "DAYS", "REPEAT", "STATE")
	for _, l := range ls {
		repeat := "once"
		if l.RepeatInterval > 0 {
			repeat = l.RepeatInterval.String()
		}
		state := "on"
		if !l.Enabled {
			state = mutedStyle.Render("off")
		}
		t.Row(
			l.ID.String(),
			swatch(l.Color),
			l.Title,
			loop.FormatClock(l.WindowStart)+"-"+loop.FormatClock(l.WindowEnd),
			l.ActiveDays.String(),
			repeat,
			state,
		)
	}
	return t.Render()
}

// swatch renders the loop color as a block, or nothing when unset.
func swatch(argb uint32) string {
	if argb == 0 {
		return ""
	}
	hex := fmt.Sprintf("#%06X", argb&0xFFFFFF)
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex)).Render("■")
}

func renderHistory(hist []loop.Response) string {
	t := newTable("DATE", "DAY", "STATE")
	for _, r := range hist {
		st, ok := stateStyles[r.State]
		if !ok {
			st = cellStyle
		}
		t.Row(r.Day.String(), r.Day.Weekday().String()[:3], st.Render(r.State.String()))
	}
	return t.Render()
}

func renderStatus(st control.Status) string {
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteByte('\n')
	}
	b.WriteString(titleStyle.Render("loopd"))
	b.WriteByte('\n')
	line("now", st.Now.Format(time.RFC3339))
	line("timezone", st.Timezone)
	if !st.StartedAt.IsZero() {
		line("uptime", st.Now.Sub(st.StartedAt).Truncate(time.Second).String())
	}
	line("loops", fmt.Sprintf("%d (%d enabled)", st.Loops, st.Enabled))
	if st.NextSync.IsZero() {
		line("next sync", mutedStyle.Render("not armed"))
	} else {
		line("next sync", st.NextSync.Format(time.RFC3339))
	}
	line("engine", fmt.Sprintf("running=%v workers=%d queue=%d/%d pending=%d", st.Engine.Running, st.Engine.Workers, st.Engine.QueueLen, st.Engine.QueueCap, st.Engine.PendingJobs))
	notif := "off"
	if st.Notifier.Enabled {
		notif = st.Notifier.Presenter
	}
	line("presenter", notif)
	line("exact", fmt.Sprintf("%v", st.Timers.ExactAllowed))

	if len(st.Timers.Timers) > 0 {
		t := newTable("KEY", "FIRES AT", "IN")
		for _, tm := range st.Timers.Timers {
			t.Row(tm.Key, tm.At.In(st.Now.Location()).Format("2006-01-02 15:04:05"), tm.At.Sub(st.Now).Truncate(time.Second).String())
		}
		b.WriteString(t.Render())
	}
	return strings.TrimRight(b.String(), "\n")
}

package telegram

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"loopd/internal/loop"
	"loopd/internal/notifier"
)

// Callback data is "loopd|<action>|<loop id>|<date>". Telegram caps it at 64 bytes.
const dataPrefix = "loopd"

func render(r notifier.Reminder) string {
	var b strings.Builder
	icon := "⏰"
	if r.Kind == "end" {
		icon = "⌛"
	}
	fmt.Fprintf(&b, "%s <b>%s</b>\n", icon, html.EscapeString(r.Loop.Title))
	fmt.Fprintf(&b, "%s, window %s-%s", r.Day, loop.FormatClock(r.Loop.WindowStart), loop.FormatClock(r.Loop.WindowEnd))
	if r.Loop.RepeatInterval > 0 {
		fmt.Fprintf(&b, ", every %s", r.Loop.RepeatInterval)
	}
	if r.Kind == "end" {
		b.WriteString("\n<i>window closing</i>")
	}
	return b.String()
}

func keyboard(id loop.ID, day loop.Day) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{{
		{Text: "✅ Done", Data: callbackData("done", id, day)},
		{Text: "⏭ Skip", Data: callbackData("skip", id, day)},
	}}}
}

func callbackData(action string, id loop.ID, day loop.Day) string {
	return strings.Join([]string{dataPrefix, action, id.String(), day.String()}, "|")
}

func parseData(s string) (loop.ID, loop.Day, loop.ResponseState, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 || parts[0] != dataPrefix {
		return 0, loop.Day{}, 0, fmt.Errorf("callback data %q: unknown format", s)
	}
	var state loop.ResponseState
	switch parts[1] {
	case "done":
		state = loop.Done
	case "skip":
		state = loop.Skip
	default:
		return 0, loop.Day{}, 0, fmt.Errorf("callback data %q: unknown action", s)
	}
	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || n <= 0 {
		return 0, loop.Day{}, 0, fmt.Errorf("callback data %q: bad loop id", s)
	}
	day, err := loop.ParseDay(parts[3])
	if err != nil {
		return 0, loop.Day{}, 0, fmt.Errorf("callback data %q: %w", s, err)
	}
	return loop.ID(n), day, state, nil
}

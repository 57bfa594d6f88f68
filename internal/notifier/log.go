package notifier

import (
	"context"

	"loopd/internal/loop"
	logx "loopd/pkg/logx"
)

// LogPresenter writes reminders as structured log lines. It is the default
// presenter and the fallback when no other presenter is configured.
type LogPresenter struct {
	log logx.Logger
}

func NewLogPresenter(log logx.Logger) *LogPresenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogPresenter{log: log.With(logx.String("comp", "presenter.log"))}
}

func (p *LogPresenter) Name() string { return "log" }

func (p *LogPresenter) Show(_ context.Context, r Reminder) error {
	p.log.Info("reminder",
		logx.Int64("loop", int64(r.Loop.ID)),
		logx.String("title", r.Loop.Title),
		logx.String("kind", r.Kind),
		logx.String("date", r.Day.String()),
		logx.String("window", loop.FormatClock(r.Loop.WindowStart)+"-"+loop.FormatClock(r.Loop.WindowEnd)),
		logx.Time("at", r.FireAt),
	)
	return nil
}

func (p *LogPresenter) Dismiss(_ context.Context, id loop.ID) error {
	p.log.Debug("reminder dismissed", logx.Int64("loop", int64(id)))
	return nil
}

package app

import (
	"context"
	"time"

	"loopd/internal/control"
	"loopd/internal/loop"
	"loopd/internal/loops"
	"loopd/internal/wakeup"
)

// controlAPI serves the control plane from the loop service plus the
// daemon's diagnostics.
type controlAPI struct {
	*loops.Service
	app *App
}

func (c controlAPI) Status(ctx context.Context) (control.Status, error) {
	a := c.app
	all, err := a.loops.List(ctx)
	if err != nil {
		return control.Status{}, err
	}
	enabled := 0
	for _, l := range all {
		if l.Enabled {
			enabled++
		}
	}
	st := control.Status{
		Now:       a.calc.Now(time.Now()),
		Timezone:  a.calc.Location().String(),
		StartedAt: a.startedAt,
		Loops:     len(all),
		Enabled:   enabled,
		Timers:    a.sched.Snapshot(),
		Engine:    a.engine.Snapshot(),
		Notifier: control.NotifierStatus{
			Enabled:   a.notif.Enabled(),
			Presenter: a.notif.Presenter(),
			History:   a.notif.Snapshot(),
		},
	}
	if at, ok := a.sched.Pending(wakeup.Key(loop.SyncID)); ok {
		st.NextSync = at
	}
	return st, nil
}

package job

import (
	"context"

	"codeberg.org/mutker/kpid/internal/logger"
)

const (
	StateFlushID = "scheduler-state-flush"
	KpiReloadID  = "kpi-reload"
)

// StateFlusher deletes expired scheduler states
type StateFlusher interface {
	FlushOldStates(ctx context.Context) (int64, error)
}

// Reloader reloads every KPI definition
type Reloader interface {
	Reload(ctx context.Context) error
}

type stateFlush struct {
	states StateFlusher
	log    logger.Logger
}

// NewStateFlush returns the hourly job deleting the scheduler states older
// than the retention window.
func NewStateFlush(states StateFlusher, log logger.Logger) Descriptor {
	return &stateFlush{states: states, log: log}
}

func (*stateFlush) ID() string           { return StateFlushID }
func (*stateFlush) Name() string         { return "Scheduler states flush" }
func (*stateFlush) Frequency() Frequency { return Hourly }
func (*stateFlush) StartHour() int       { return 0 }
func (*stateFlush) StartMinute() int     { return 5 }

func (*stateFlush) Description() string {
	return "Delete the scheduler states older than the retention window"
}

func (j *stateFlush) Trigger(ctx context.Context) error {
	n, err := j.states.FlushOldStates(ctx)
	if err != nil {
		return err
	}

	j.log.Info().Int64("deleted", n).Msg("Old scheduler states flushed")
	return nil
}

type kpiReload struct {
	kpis Reloader
}

// NewKpiReload returns the daily job reloading every KPI definition
func NewKpiReload(kpis Reloader) Descriptor {
	return &kpiReload{kpis: kpis}
}

func (*kpiReload) ID() string           { return KpiReloadID }
func (*kpiReload) Name() string         { return "KPI reload" }
func (*kpiReload) Frequency() Frequency { return Daily }
func (*kpiReload) StartHour() int       { return 3 }
func (*kpiReload) StartMinute() int     { return 0 }

func (*kpiReload) Description() string {
	return "Cancel every KPI and initialize the active definitions again"
}

func (j *kpiReload) Trigger(ctx context.Context) error {
	return j.kpis.Reload(ctx)
}

package reminder

import (
	"context"
	"fmt"
	"time"

	"arvcare/internal/eventbus"
	"arvcare/internal/task/runner"
	"arvcare/pkg/logx"
)

const (
	AlarmWorkerName         = "medication-alarms"
	DefaultAlarmInterval    = 5 * time.Minute
	DefaultAlarmImmediately = true
)

type DispatcherConfig struct {
	Interval  time.Duration
	Immediate bool
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{Interval: DefaultAlarmInterval, Immediate: DefaultAlarmImmediately}
}

// AlarmDispatcher periodically triggers medication alarm processing.
type AlarmDispatcher struct {
	*runner.Runner

	alarms AlarmProcessor
	log    logx.Logger
}

func NewAlarmDispatcher(cfg DispatcherConfig, alarms AlarmProcessor, log logx.Logger, bus eventbus.Bus) (*AlarmDispatcher, error) {
	if alarms == nil {
		return nil, fmt.Errorf("%w: alarm processor", ErrNilCollaborator)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &AlarmDispatcher{alarms: alarms, log: log.With(logx.String("worker", AlarmWorkerName))}
	r, err := runner.New(runner.Config{
		Name:      AlarmWorkerName,
		Interval:  cfg.Interval,
		Immediate: cfg.Immediate,
	}, d.dispatch, log, bus)
	if err != nil {
		return nil, err
	}
	d.Runner = r
	return d, nil
}

func (d *AlarmDispatcher) dispatch(ctx context.Context) error {
	if err := d.alarms.ProcessMedicationAlarms(ctx); err != nil {
		return fmt.Errorf("process medication alarms: %w", err)
	}
	d.log.Debug("medication alarms processed")
	return nil
}

package notifier

import (
	"context"

	"arvcare/pkg/logx"
)

// LogChannel "delivers" by writing the reminder to the log. It is the
// default channel for clinics without a messaging integration.
type LogChannel struct {
	log logx.Logger
}

func NewLogChannel(log logx.Logger) *LogChannel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogChannel{log: log.With(logx.String("channel", "log"))}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(_ context.Context, n Notification) error {
	c.log.Info("reminder",
		logx.String("id", n.ID),
		logx.String("kind", n.Kind),
		logx.Int64("patient_id", n.Recipient.PatientID),
		logx.String("subject", n.Subject),
		logx.String("text", n.Text),
	)
	return nil
}

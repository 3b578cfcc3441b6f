package config

import (
	"reflect"

	"arvcare/pkg/logx"
)

// Sections applied live on reload. Everything else needs a restart.
var hotSections = map[string]bool{
	"logging":  true,
	"notifier": true,
}

// Change describes what differs between two configs. Attrs never carry
// secrets (tokens, DSNs, broker URLs).
type Change struct {
	Sections        []string
	RestartRequired []string
	Attrs           []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(name string, differs bool, attrs ...logx.Field) {
		if !differs {
			return
		}
		ch.Sections = append(ch.Sections, name)
		if !hotSections[name] {
			ch.RestartRequired = append(ch.RestartRequired, name)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	mark("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	mark("telegram", oldCfg.Telegram.OpsChatID != newCfg.Telegram.OpsChatID || oldCfg.Telegram.Token != newCfg.Telegram.Token,
		logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		logx.Int64("telegram.ops_chat_id", newCfg.Telegram.OpsChatID),
	)
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	mark("clinic", oldCfg.Clinic != newCfg.Clinic, logx.String("clinic.timezone", newCfg.Clinic.Timezone))
	mark("workers", !reflect.DeepEqual(oldCfg.Workers, newCfg.Workers),
		logx.String("workers.medication_alarms.interval", newCfg.Workers.MedicationAlarms.Interval),
		logx.String("workers.clinical_reminders.interval", newCfg.Workers.ClinicalReminders.Interval),
	)
	mark("notifier", !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier),
		logx.String("notifier.channel", newCfg.Notifier.Channel),
		logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
	)
	mark("amqp", oldCfg.AMQP != newCfg.AMQP, logx.String("amqp.exchange", newCfg.AMQP.Exchange))
	mark("ops", oldCfg.Ops != newCfg.Ops, logx.String("ops.addr", newCfg.Ops.Addr), logx.Bool("ops.enabled", newCfg.Ops.Enabled))
	mark("systemd", oldCfg.Systemd != newCfg.Systemd, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	return ch
}

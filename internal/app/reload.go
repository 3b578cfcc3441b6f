package app

import (
	"context"
	"strings"
	"time"

	"arvcare/internal/config"
	"arvcare/internal/eventbus"
	"arvcare/pkg/logx"
)

// reloadLoop applies hot-reloadable sections (logging, notifier tuning) and
// warns about the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	change := config.SummarizeChange(oldCfg, newCfg)
	if change.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Info("config reloaded", fields...)
	if len(change.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}

	// update the chat target first so Apply doesn't warn when chat logging is enabled
	a.logs.SetChatTarget(newCfg.Telegram.OpsChatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(logConfig(newCfg, a.tg != nil))

	ncfg, nset, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		if cur := a.notif.Snapshot().Channel; nset.Channel != cur {
			a.log.Warn("notifier.channel changed; restart required",
				logx.String("current", cur), logx.String("configured", nset.Channel))
		}
		a.notif.Apply(ncfg)
	}

	a.bus.Publish(eventbus.Event{
		Type: eventbus.TypeConfigReloaded,
		Time: time.Now(),
		Data: change.Sections,
	})
}

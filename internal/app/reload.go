package app

import (
	"context"
	"fmt"
	"strings"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/notifier"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/pkg/logx"
)

// watchConfig is the Started hook of the config.watch task.
func (a *App) watchConfig(_ context.Context, t *lifecycle.Task) error {
	a.cfgm.SetValidator(a.validateReload)
	sub := a.cfgm.Subscribe(8)
	t.Go("watch", a.cfgm.Watch)
	t.Go("apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
				for more := true; more; {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						more = false
					}
				}
				a.apply(cfg)
			}
		}
	})
	return nil
}

// validateReload runs before a reload is committed. A notifier target that
// cannot build a sender is rejected now instead of at the next restart.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, enabled := mapNotifier(cfg); enabled {
		token, chat, thread := notifierTarget(cfg)
		if _, err := notifier.NewTelegram(token, chat, thread); err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
	}
	return nil
}

// apply pushes the live-tunable parts of cfg into running components.
func (a *App) apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.mu.Lock()
	prev := a.applied
	a.applied = cfg
	a.mu.Unlock()

	sections, attrs := config.SummarizeChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.sd.Reloading()

	if err := a.logs.Apply(mapLogging(cfg)); err != nil {
		a.log.Warn("logging config not applied; keeping previous sinks", logx.Err(err))
	}
	a.disp.Apply(mapDispatcher(cfg))
	a.sched.Apply(mapScheduler(cfg))
	a.life.SetHookTimeout(config.Duration(cfg.Lifecycle.HookTimeout, 0))
	if a.heartbeat != nil {
		a.heartbeat.SetInterval(heartbeatInterval(cfg))
	}
	a.applyNotifier(prev, cfg)

	if config.RestartRequired(sections) {
		a.log.Warn("config change needs a restart to take effect", logx.String("changed", strings.Join(sections, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
	a.bus.Publish(eventbus.Event{
		Type: eventbus.ConfigReloaded,
		Time: a.clk.Now(),
		Data: eventbus.ConfigEvent{Changed: sections},
	})
	a.sd.Ready()
}

func (a *App) applyNotifier(prev, cfg *config.Config) {
	ncfg, enabled := mapNotifier(cfg)
	if a.notif == nil {
		if enabled {
			a.log.Warn("notifier enabled via config; restart required")
		}
		return
	}
	if !enabled {
		a.log.Warn("notifier disabled via config; restart required, alerts keep flowing until then")
		return
	}
	pt, pc, pth := notifierTarget(prev)
	nt, nc, nth := notifierTarget(cfg)
	if pt != nt || pc != nc || pth != nth {
		a.log.Warn("notifier target changed; restart required")
	}
	a.notif.Apply(ncfg)
}

// Package app wires the daemon together: config, logging, secret store,
// storage, notification sinks and the account observer.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"github.com/LeanderBB/you-have-mail-cli/internal/backend"
	"github.com/LeanderBB/you-have-mail-cli/internal/backend/imap"
	"github.com/LeanderBB/you-have-mail-cli/internal/config"
	"github.com/LeanderBB/you-have-mail-cli/internal/notify"
	"github.com/LeanderBB/you-have-mail-cli/internal/observer"
	"github.com/LeanderBB/you-have-mail-cli/internal/runtime/supervisor"
	"github.com/LeanderBB/you-have-mail-cli/internal/secrets"
	"github.com/LeanderBB/you-have-mail-cli/internal/storage"
	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	sec   *secrets.Store
	bus   *notify.Bus
	obs   *observer.Observer
	creds *credentialSource
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	kb, err := keyBackend(cfg.Secrets)
	if err != nil {
		return nil, err
	}

	store, err := openStorage(cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	sec, err := secrets.Open(kb, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	log.Info("secret store ready", logx.String("key_backend", kb.Name()))

	bus, err := buildBus(cfg.Notify, log.With(logx.String("comp", "notify")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	obsCfg, err := mapObserverConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	backends := map[string]backend.Backend{
		imap.Name: imap.New(),
	}

	creds := &credentialSource{log: log.With(logx.String("comp", "credentials"))}
	creds.update(cfg)

	obs, err := observer.New(obsCfg, bus, sec, store, backends, creds, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	creds.setObserver(obs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		sec:     sec,
		bus:     bus,
		obs:     obs,
		creds:   creds,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapObserverConfig(cfg); err != nil {
			return err
		}
		for i, acct := range cfg.Accounts {
			if acct.Backend != imap.Name {
				return fmt.Errorf("accounts[%d] (%s): unknown backend %q", i, acct.Email, acct.Backend)
			}
		}
		if _, err := keyBackend(cfg.Secrets); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if err := a.obs.Start(accountsFromConfig(cfg)); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("daemon started", logx.Int("accounts", len(cfg.Accounts)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	if a.obs != nil {
		if err := a.obs.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.bus != nil {
		if err := a.bus.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("daemon stopped")
	_ = a.logs.Close()
	return firstErr
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// reloadLoop applies published config updates: logging first, then the
// observer's account set. Sink and storage topology changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, accountChanged := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change summary", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "storage", "secrets", "notify":
					a.log.Warn("section changed; restart required for changes to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(mapLogConfig(newCfg))
			a.creds.update(newCfg)

			obsCfg, err := mapObserverConfig(newCfg)
			if err != nil {
				// Validator should have caught this; keep the running set.
				a.log.Error("invalid poll config; keeping previous", logx.Err(err))
				a.bus.Publish(notify.ConfigError(err.Error()))
				continue
			}
			if err := a.obs.Reload(ctx, obsCfg, accountsFromConfig(newCfg)); err != nil {
				a.log.Error("account reload failed", logx.Err(err))
				a.bus.Publish(notify.ConfigError(err.Error()))
				continue
			}

			// A credential edit alone does not restart a supervisor; nudge
			// accounts that are waiting for reauthorization.
			status := a.obs.Status()
			for _, email := range accountChanged {
				if status[email] == observer.StateReauthRequired {
					a.creds.RequestCredentials(backend.Identity{Email: email})
				}
			}
		}
	}
}

// credentialSource answers credential requests from inline config passwords.
// Accounts without one are logged; the operator adds the password and the
// reload loop retries.
type credentialSource struct {
	log logx.Logger

	mu    sync.Mutex
	obs   *observer.Observer
	creds map[string]backend.Credentials
}

func (c *credentialSource) setObserver(obs *observer.Observer) {
	c.mu.Lock()
	c.obs = obs
	c.mu.Unlock()
}

func (c *credentialSource) update(cfg *config.Config) {
	m := make(map[string]backend.Credentials)
	for _, acct := range cfg.Accounts {
		if acct.Password != "" {
			m[acct.Email] = backend.Credentials{Password: acct.Password, SecondFactor: acct.SecondFactor}
		}
	}
	c.mu.Lock()
	c.creds = m
	c.mu.Unlock()
}

func (c *credentialSource) RequestCredentials(acct backend.Identity) {
	c.mu.Lock()
	creds, ok := c.creds[acct.Email]
	obs := c.obs
	c.mu.Unlock()
	if !ok {
		c.log.Warn("account needs credentials; add a password to the config file",
			logx.String("account", acct.Email))
		return
	}
	if obs == nil {
		return
	}
	if err := obs.SupplyCredentials(acct.Email, creds); err != nil {
		c.log.Warn("credential delivery failed", logx.String("account", acct.Email), logx.Err(err))
	}
}

// ---- config mapping ----

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func keyBackend(sc config.SecretsConfig) (secrets.KeyBackend, error) {
	switch strings.TrimSpace(sc.Backend) {
	case "", "keychain":
		return secrets.NewKeychainBackend(), nil
	case "plain":
		return secrets.NewPlainBackend(sc.Dir, sc.AcceptPlainSecretsInsecure), nil
	default:
		return nil, fmt.Errorf("secrets.backend: unknown backend %q", sc.Backend)
	}
}

func openStorage(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	if cfg.Storage == nil {
		log.Info("no storage configured; state is in-memory for this run")
		return storage.NewMemory(), nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	return st, nil
}

func buildBus(nc config.NotifyConfig, log logx.Logger) (*notify.Bus, error) {
	deliveryTimeout, err := config.ParseDurationField("notify.delivery_timeout", nc.DeliveryTimeout)
	if err != nil {
		return nil, err
	}
	var opts []notify.Option
	if nc.QueueSize > 0 {
		opts = append(opts, notify.WithQueueSize(nc.QueueSize))
	}
	if deliveryTimeout > 0 {
		opts = append(opts, notify.WithDeliveryTimeout(deliveryTimeout))
	}
	bus := notify.NewBus(log, opts...)

	if nc.Stdout {
		bus.Register(notify.NewStdoutSink())
	}
	for _, n := range nc.Ntfy {
		sink, err := notify.NewNtfySink(notify.NtfyConfig{
			Name:       n.Name,
			URL:        n.URL,
			Token:      n.Token,
			RatePerSec: n.RatePerSec,
		})
		if err != nil {
			return nil, fmt.Errorf("notify.ntfy: %w", err)
		}
		bus.Register(sink)
	}
	if t := nc.Telegram; t != nil {
		sink, err := notify.NewTelegramSink(notify.TelegramConfig{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		bus.Register(sink)
	}
	return bus, nil
}

func mapObserverConfig(cfg *config.Config) (observer.Config, error) {
	interval, err := config.ParseDurationOrDefault("poll.interval", cfg.Poll.Interval, 5*time.Minute)
	if err != nil {
		return observer.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("poll.timeout", cfg.Poll.Timeout, 60*time.Second)
	if err != nil {
		return observer.Config{}, err
	}
	base, err := config.ParseDurationField("poll.backoff_base", cfg.Poll.BackoffBase)
	if err != nil {
		return observer.Config{}, err
	}
	bcap, err := config.ParseDurationField("poll.backoff_cap", cfg.Poll.BackoffCap)
	if err != nil {
		return observer.Config{}, err
	}
	if s := strings.TrimSpace(cfg.Poll.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return observer.Config{}, fmt.Errorf("poll.schedule: %w", err)
		}
	}
	return observer.Config{
		PollInterval:  interval,
		PollSchedule:  strings.TrimSpace(cfg.Poll.Schedule),
		PollTimeout:   timeout,
		BackoffBase:   base,
		BackoffCap:    bcap,
		DegradedAfter: cfg.Poll.DegradedAfter,
	}, nil
}

func accountsFromConfig(cfg *config.Config) []backend.Account {
	out := make([]backend.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		out = append(out, backend.Account{
			Identity: backend.Identity{Email: a.Email, Backend: a.Backend},
			Settings: a.Settings,
		})
	}
	return out
}

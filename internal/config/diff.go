package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/LeanderBB/you-have-mail-cli/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or other
// secrets), and (3) the emails of accounts that were added, removed or
// reconfigured.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Poll clock and retry policy
	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.String("poll.interval", strings.TrimSpace(newCfg.Poll.Interval)),
			logx.Bool("poll.schedule_set", strings.TrimSpace(newCfg.Poll.Schedule) != ""),
			logx.String("poll.timeout", strings.TrimSpace(newCfg.Poll.Timeout)),
			logx.Int("poll.degraded_after", newCfg.Poll.DegradedAfter),
		)
	}

	// Secrets (key location cannot change at runtime; surface it anyway)
	if oldCfg.Secrets != newCfg.Secrets {
		changed = append(changed, "secrets")
		attrs = append(attrs,
			logx.String("secrets.backend", strings.TrimSpace(newCfg.Secrets.Backend)),
			logx.Bool("secrets.plain_consented", newCfg.Secrets.AcceptPlainSecretsInsecure),
		)
	}

	// Storage. Nil means in-memory.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Notify sinks (never log tokens)
	if notifyChanged(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.stdout", newCfg.Notify.Stdout),
			logx.Int("notify.ntfy_count", len(newCfg.Notify.Ntfy)),
			logx.Bool("notify.telegram_set", newCfg.Notify.Telegram != nil),
			logx.Int("notify.queue_size", newCfg.Notify.QueueSize),
		)
	}

	// Accounts (summarize only; settings may hold server details)
	accountChanged := diffAccounts(oldCfg.Accounts, newCfg.Accounts)
	if len(accountChanged) > 0 {
		changed = append(changed, "accounts")
		attrs = append(attrs,
			logx.Int("accounts.changed_count", len(accountChanged)),
			logx.Int("accounts.total", len(newCfg.Accounts)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, accountChanged
}

func notifyChanged(o, n NotifyConfig) bool {
	if o.QueueSize != n.QueueSize || o.DeliveryTimeout != n.DeliveryTimeout || o.Stdout != n.Stdout {
		return true
	}
	if !reflect.DeepEqual(o.Ntfy, n.Ntfy) {
		return true
	}
	if (o.Telegram == nil) != (n.Telegram == nil) {
		return true
	}
	return o.Telegram != nil && *o.Telegram != *n.Telegram
}

func diffAccounts(oldL, newL []AccountConfig) []string {
	oldM := make(map[string]AccountConfig, len(oldL))
	for _, a := range oldL {
		oldM[a.Email] = a
	}
	newM := make(map[string]AccountConfig, len(newL))
	for _, a := range newL {
		newM[a.Email] = a
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for email := range set {
		o, oOK := oldM[email]
		n, nOK := newM[email]
		if oOK != nOK || o.Backend != n.Backend {
			out = append(out, email)
			continue
		}
		if canonicalHashJSON(o.Settings) != canonicalHashJSON(n.Settings) {
			out = append(out, email)
			continue
		}
		// Credential edits matter for reauth but must never be logged.
		if o.Password != n.Password || o.SecondFactor != n.SecondFactor {
			out = append(out, email)
		}
	}
	sort.Strings(out)
	return out
}

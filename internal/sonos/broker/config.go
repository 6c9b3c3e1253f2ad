package broker

import "time"

// Config controls every tunable in the broker (§6, §9). It is a plain
// struct populated by the caller — this package never reads environment
// variables or files; yaml tags only let a *consuming* application
// unmarshal one from its own config file.
type Config struct {
	// CallbackPortRangeStart/End bound the port search the callback
	// server performs when binding its listener (§4.C).
	CallbackPortRangeStart int `yaml:"callback_port_range_start"`
	CallbackPortRangeEnd   int `yaml:"callback_port_range_end"`

	// SubscriptionTimeout is the requested GENA TIMEOUT in seconds.
	SubscriptionTimeout int `yaml:"subscription_timeout_secs"`
	// RenewalThreshold is how long before expiry a subscription is
	// renewed; the renewal scanner wakes at RenewalThreshold/2 (§4.E).
	RenewalThreshold time.Duration `yaml:"renewal_threshold"`
	// MaxRetryAttempts bounds the subscription manager's exponential
	// backoff (base * 2^attempt) before giving up and requesting polling.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// RetryBaseDelay is the base of the exponential backoff above.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// EventWaitTimeout bounds the firewall detector's per-device watchdog
	// (§4.D): if no event arrives on any subscription to a device before
	// this elapses, the device is classified Blocked.
	EventWaitTimeout time.Duration `yaml:"event_wait_timeout"`
	// EventTimeout is how long the event detector waits for a
	// registration's last event to go stale before escalating to polling
	// (§4.F). Distinct from EventWaitTimeout: the firewall detector's
	// watchdog runs once per device right after the first subscription;
	// this one runs continuously per registration for the life of the
	// subscription.
	EventTimeout time.Duration `yaml:"event_timeout"`
	// PollingActivationDelay additionally delays starting polling after a
	// Blocked/Error firewall verdict, to absorb a device that is merely
	// slow rather than actually unreachable (§4.D, §4.F).
	PollingActivationDelay time.Duration `yaml:"polling_activation_delay"`

	// BasePollingInterval / MaxPollingInterval bound the adaptive
	// polling scheduler (§4.G). AdaptivePolling toggles the
	// halve-on-change/double-on-quiet behavior; when false every
	// registration polls at BasePollingInterval.
	BasePollingInterval time.Duration `yaml:"base_polling_interval"`
	MaxPollingInterval  time.Duration `yaml:"max_polling_interval"`
	AdaptivePolling     bool          `yaml:"adaptive_polling"`
	// MaxConcurrentPolls bounds the worker pool driving poll requests
	// across all registrations (§4.G).
	MaxConcurrentPolls int `yaml:"max_concurrent_polls"`
	// MaxConsecutivePollErrors stops a polling task after this many
	// consecutive failures instead of polling forever against a dead
	// device (§4.G). The task logs a warning when it stops; no lifecycle
	// event is emitted.
	MaxConsecutivePollErrors int `yaml:"max_consecutive_poll_errors"`

	// FirewallCacheSize bounds the firewall detector's per-device status
	// cache (§4.D supplemented feature: "optional capacity bound with LRU
	// eviction").
	FirewallCacheSize int `yaml:"firewall_cache_size"`

	// MaxRegistrations bounds the registry (§4.I). Zero means unbounded.
	MaxRegistrations int `yaml:"max_registrations"`

	// ResyncCheckInterval enables the optional resync/state-drift
	// detector (SPEC_FULL.md supplemented feature 3). Zero disables it.
	ResyncCheckInterval time.Duration `yaml:"resync_check_interval"`
	// ResyncCooldown is the minimum gap between two resync checks for
	// the same registration, preventing the detector from spamming.
	ResyncCooldown time.Duration `yaml:"resync_cooldown"`

	// ShutdownTaskTimeout bounds how long Broker.Shutdown waits for any
	// single background task (poller, renewal loop) to exit cleanly
	// before moving on (§4.J).
	ShutdownTaskTimeout time.Duration `yaml:"shutdown_task_timeout"`
}

// DefaultConfig returns the broker's default tuning, mirroring the
// teacher's DefaultManagerConfig() constructor style.
func DefaultConfig() Config {
	return Config{
		CallbackPortRangeStart: 53000,
		CallbackPortRangeEnd:   53100,

		SubscriptionTimeout: 3600,
		RenewalThreshold:    5 * time.Minute,
		MaxRetryAttempts:    3,
		RetryBaseDelay:      2 * time.Second,

		EventWaitTimeout:       10 * time.Second,
		EventTimeout:           90 * time.Second,
		PollingActivationDelay: 10 * time.Second,

		BasePollingInterval:      5 * time.Second,
		MaxPollingInterval:       60 * time.Second,
		AdaptivePolling:          true,
		MaxConcurrentPolls:       16,
		MaxConsecutivePollErrors: 5,

		FirewallCacheSize: 512,
		MaxRegistrations:  0,

		ResyncCheckInterval: 0,
		ResyncCooldown:      2 * time.Minute,

		ShutdownTaskTimeout: 2 * time.Second,
	}
}

package lattice

import "time"

// Config holds timing and retry configuration for the control plane.
type Config struct {
	// PresenceTTL is how long a presence record lives in the shared
	// store without a refresh. A crashed instance's records self-heal
	// by expiring at this horizon.
	PresenceTTL time.Duration

	// HeartbeatInterval is how often open connections refresh their
	// presence records and ping their viewers. Must be well under
	// PresenceTTL/2 or records expire between refreshes.
	HeartbeatInterval time.Duration

	// ActionTTL bounds how long an undrained manual action queue
	// survives. Actions nobody polls within this window are dropped.
	ActionTTL time.Duration

	// RunTimeout is how long a run may sit in an active status before
	// the reaper forces it to failed.
	RunTimeout time.Duration

	// MaxRetries is the attempt budget for registered-user jobs.
	MaxRetries int

	// GuestMaxRetries is the attempt budget for guest jobs.
	GuestMaxRetries int

	// Retention is how long terminal jobs are kept for post-mortem
	// inspection before the reaper purges them.
	Retention time.Duration

	// GuestRetention is the (shorter) retention window for guest jobs.
	GuestRetention time.Duration

	// DequeueRate caps job claims per second on the registered-user
	// queue so a burst of workers cannot hammer the store. Zero
	// disables pacing.
	DequeueRate float64

	// GuestDequeueRate is the lower claim rate for the guest queue,
	// keeping guest traffic from crowding out paid work.
	GuestDequeueRate float64

	// DequeueBurst is the pacer's burst allowance per queue.
	DequeueBurst int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		PresenceTTL:       300 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ActionTTL:         time.Hour,
		RunTimeout:        30 * time.Minute,
		MaxRetries:        3,
		GuestMaxRetries:   1,
		Retention:         24 * time.Hour,
		GuestRetention:    time.Hour,
		DequeueRate:       50,
		GuestDequeueRate:  10,
		DequeueBurst:      10,
		ShutdownTimeout:   30 * time.Second,
	}
}

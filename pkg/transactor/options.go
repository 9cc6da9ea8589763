// Copyright © 2025 Tessera Systems

package transactor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tessera-io/transactor/pkg/accounts"
	"go.uber.org/zap"
)

const (
	// DefaultHangTimeout is how long a normal session may stay silent
	// before the tick loop force-closes it.
	DefaultHangTimeout = 70 * time.Second

	// DefaultSystemHangFactor stretches the hang timeout for the system
	// account.
	DefaultSystemHangFactor = 10

	// DefaultSoftShutdownTicks is how many empty ticks a workspace
	// survives before its close sequence starts.
	DefaultSoftShutdownTicks = 3

	defaultTick            = time.Second
	defaultPingAfter       = 25 * time.Second
	defaultStaleWarn       = 30 * time.Second
	defaultCounterWindow   = 5 * time.Minute
	defaultReadyTimeout    = 60 * time.Second
	defaultCloseTimeout    = 60 * time.Second
	defaultShutdownTimeout = 120 * time.Second
)

type managerSettings struct {
	l                *zap.Logger
	accounts         *accounts.Client
	secret           []byte
	modelVersion     string
	registry         prometheus.Registerer
	tick             time.Duration
	hangTimeout      time.Duration
	systemHangFactor int
	pingAfter        time.Duration
	staleWarn        time.Duration
	counterWindow    time.Duration
	softShutdown     int
	readyTimeout     time.Duration
	closeTimeout     time.Duration
	chunkBudget      int
}

func defaultManagerSettings(opts []ManagerOption) *managerSettings {
	s := &managerSettings{
		l:                zap.NewNop(),
		accounts:         accounts.New(""),
		tick:             defaultTick,
		hangTimeout:      DefaultHangTimeout,
		systemHangFactor: DefaultSystemHangFactor,
		pingAfter:        defaultPingAfter,
		staleWarn:        defaultStaleWarn,
		counterWindow:    defaultCounterWindow,
		softShutdown:     DefaultSoftShutdownTicks,
		readyTimeout:     defaultReadyTimeout,
		closeTimeout:     defaultCloseTimeout,
		chunkBudget:      DefaultChunkByteBudget,
	}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// ManagerOption tunes the session manager.
type ManagerOption func(*managerSettings)

// WithLogger injects a logging facility.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(s *managerSettings) {
		if l != nil {
			s.l = l
		}
	}
}

// WithAccounts injects the accounts service client.
func WithAccounts(c *accounts.Client) ManagerOption {
	return func(s *managerSettings) {
		if c != nil {
			s.accounts = c
		}
	}
}

// WithSecret sets the token verification secret.
func WithSecret(secret []byte) ManagerOption {
	return func(s *managerSettings) { s.secret = secret }
}

// WithModelVersion sets the server's build-time model version gate.
func WithModelVersion(v string) ManagerOption {
	return func(s *managerSettings) { s.modelVersion = v }
}

// WithRegistry attaches the manager's metrics to a prometheus registry.
func WithRegistry(reg prometheus.Registerer) ManagerOption {
	return func(s *managerSettings) { s.registry = reg }
}

// WithTick tunes the lifecycle tick period.
func WithTick(d time.Duration) ManagerOption {
	return func(s *managerSettings) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithHangTimeout tunes the silence threshold closing a session.
func WithHangTimeout(d time.Duration) ManagerOption {
	return func(s *managerSettings) {
		if d > 0 {
			s.hangTimeout = d
		}
	}
}

// WithSystemHangFactor tunes the hang timeout multiplier for the system
// account.
func WithSystemHangFactor(n int) ManagerOption {
	return func(s *managerSettings) {
		if n > 0 {
			s.systemHangFactor = n
		}
	}
}

// WithPingAfter tunes when a silent session gets a keepalive frame.
func WithPingAfter(d time.Duration) ManagerOption {
	return func(s *managerSettings) {
		if d > 0 {
			s.pingAfter = d
		}
	}
}

// WithStaleRequestWarn tunes the in-flight request age that triggers a
// warning.
func WithStaleRequestWarn(d time.Duration) ManagerOption {
	return func(s *managerSettings) {
		if d > 0 {
			s.staleWarn = d
		}
	}
}

// WithSoftShutdownTicks tunes how many empty ticks precede workspace close.
func WithSoftShutdownTicks(n int) ManagerOption {
	return func(s *managerSettings) {
		if n > 0 {
			s.softShutdown = n
		}
	}
}

// WithPipelineTimeouts tunes how long the manager waits for a pipeline to
// become ready and to close.
func WithPipelineTimeouts(ready, close time.Duration) ManagerOption {
	return func(s *managerSettings) {
		if ready > 0 {
			s.readyTimeout = ready
		}
		if close > 0 {
			s.closeTimeout = close
		}
	}
}

// WithChunkByteBudget tunes the response chunk size.
func WithChunkByteBudget(n int) ManagerOption {
	return func(s *managerSettings) {
		if n > 0 {
			s.chunkBudget = n
		}
	}
}

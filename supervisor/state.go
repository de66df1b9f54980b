package supervisor

import (
	"sync/atomic"
	"time"

	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/health"
)

// Phase is the lifecycle phase of the current attempt
type Phase int32

// Phases. Idle means no attempt is live: the run has not started, has finished, or is
// waiting out a reconnect backoff.
const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot of a supervisor
type State struct {
	Phase             Phase
	Ordinal           int
	HeartbeatActive   bool
	Running           bool
	ShutdownRequested bool
	AttemptsTotal     int64
	MessagesReceived  int64
	ErrorCount        int64
	LastError         string
	LastActivity      time.Time
}

// observer holds the snapshot fields. Only the loop and attempt goroutines write
// them; readers get eventually consistent values.
type observer struct {
	phase        atomic.Int32
	ordinal      atomic.Int32
	heartbeat    atomic.Bool
	running      atomic.Bool
	attempts     atomic.Int64
	messages     atomic.Int64
	errorCount   atomic.Int64
	lastError    atomic.Pointer[string]
	lastActivity atomic.Int64
	runErr       atomic.Pointer[error]
	startedAt    atomic.Int64
}

func (o *observer) attemptStarted(ordinal int) {
	o.ordinal.Store(int32(ordinal))
	o.phase.Store(int32(PhaseConnecting))
	o.attempts.Add(1)
}

func (o *observer) setPhase(p Phase, heartbeat bool) {
	o.heartbeat.Store(heartbeat)
	o.phase.Store(int32(p))
}

func (o *observer) messageReceived() {
	o.messages.Add(1)
	o.lastActivity.Store(time.Now().UnixNano())
}

func (o *observer) failed(err error) {
	o.errorCount.Add(1)
	msg := err.Error()
	o.lastError.Store(&msg)
}

func (s *Supervisor) snapshot() State {
	st := State{
		Phase:             Phase(s.obs.phase.Load()),
		Ordinal:           int(s.obs.ordinal.Load()),
		HeartbeatActive:   s.obs.heartbeat.Load(),
		Running:           s.obs.running.Load(),
		ShutdownRequested: s.shutdownRequested(),
		AttemptsTotal:     s.obs.attempts.Load(),
		MessagesReceived:  s.obs.messages.Load(),
		ErrorCount:        s.obs.errorCount.Load(),
	}
	if p := s.obs.lastError.Load(); p != nil {
		st.LastError = *p
	}
	if ns := s.obs.lastActivity.Load(); ns > 0 {
		st.LastActivity = time.Unix(0, ns)
	}
	return st
}

// State returns a snapshot of the supervisor
func (s *Supervisor) State() State {
	return s.snapshot()
}

// Health reports the supervisor as a health status: healthy while a connection is
// open or after a manual capture completed, degraded while connecting or between
// attempts, unhealthy once stopped or out of reconnects.
func (s *Supervisor) Health() health.Status {
	st := s.snapshot()

	report := health.Report{
		LastError:         st.LastError,
		ErrorCount:        int(st.ErrorCount),
		MessagesProcessed: st.MessagesReceived,
		LastActivity:      st.LastActivity,
	}
	if started := s.obs.startedAt.Load(); started > 0 {
		report.Uptime = time.Since(time.Unix(0, started))
	}

	var runErr error
	if p := s.obs.runErr.Load(); p != nil {
		runErr = *p
	}

	switch {
	case st.ShutdownRequested:
		report.Detail = "shut down"
		report.LastError = ""
	case s.obs.startedAt.Load() == 0:
		report.Detail = "not started"
	case st.Phase == PhaseOpen:
		report.Healthy = true
		report.Detail = "connection open"
	case st.Running:
		report.Degraded = true
		report.Detail = st.Phase.String()
	case errors.IsTerminal(runErr):
		report.LastError = runErr.Error()
	default:
		report.Healthy = true
		report.Detail = "idle"
	}

	return health.FromReport(s.name, report)
}

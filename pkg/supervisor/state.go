package supervisor

import (
	"strconv"
	"time"
)

const (
	EnvAutoRestart  = "ASTRALUNE_AUTO_RESTART"
	EnvRestartCount = "ASTRALUNE_RESTART_COUNT"
	EnvRestartLast  = "ASTRALUNE_RESTART_LAST"

	DefaultMaxRestarts = 5
	DefaultWindow      = 5 * time.Minute
)

// RestartState is the restart budget. It is owned by one Supervisor and
// handed to re-executed processes through the environment.
type RestartState struct {
	Count       int
	WindowStart time.Time
	Last        time.Time
	Max         int
	Window      time.Duration
}

// Next applies one restart request at now. The count is incremented first;
// exceeding Max while the previous restart is still inside the window is
// terminal. Otherwise a gap of at least the window resets the count to 1.
func (s RestartState) Next(now time.Time) (RestartState, bool) {
	next := s
	next.Count++

	withinWindow := !s.Last.IsZero() && now.Sub(s.Last) < s.Window
	if next.Count > s.Max && withinWindow {
		return next, true
	}

	if !s.Last.IsZero() && !withinWindow {
		next.Count = 1
		next.WindowStart = now
	}
	if next.WindowStart.IsZero() {
		next.WindowStart = now
	}
	next.Last = now
	return next, false
}

// Env renders the budget for a child process, including the recovered-boot
// marker.
func (s RestartState) Env() []string {
	env := []string{
		EnvAutoRestart + "=true",
		EnvRestartCount + "=" + strconv.Itoa(s.Count),
	}
	if !s.Last.IsZero() {
		env = append(env, EnvRestartLast+"="+s.Last.UTC().Format(time.RFC3339Nano))
	}
	return env
}

// stateFromEnv restores the budget written by Env. recovered reports whether
// this process was started by a restart.
func stateFromEnv(getenv func(string) string, max int, window time.Duration) (state RestartState, recovered bool) {
	state = RestartState{Max: max, Window: window}
	if getenv(EnvAutoRestart) != "true" {
		return state, false
	}

	if count, err := strconv.Atoi(getenv(EnvRestartCount)); err == nil && count > 0 {
		state.Count = count
	}
	if last, err := time.Parse(time.RFC3339Nano, getenv(EnvRestartLast)); err == nil {
		state.Last = last
		state.WindowStart = last
	}
	return state, true
}

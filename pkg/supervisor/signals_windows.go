//go:build windows

package supervisor

import (
	"os"
	"os/signal"
)

// Windows has no user signals; restarts can only be requested in-process.
var (
	ImmediateRestartSignal os.Signal
	SoftRestartSignal      os.Signal
)

func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}

func classifySignal(os.Signal) signalAction {
	return actionShutdown
}

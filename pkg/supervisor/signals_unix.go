//go:build !windows

package supervisor

import (
	"os"
	"os/signal"
	"syscall"
)

// Restart signals send SIGUSR1 for an immediate restart and SIGUSR2 for a
// soft one that drains in-flight work first.
var (
	ImmediateRestartSignal os.Signal = syscall.SIGUSR1
	SoftRestartSignal      os.Signal = syscall.SIGUSR2
)

func notifySignals(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
}

func classifySignal(sig os.Signal) signalAction {
	switch sig {
	case syscall.SIGUSR1:
		return actionImmediate
	case syscall.SIGUSR2:
		return actionSoft
	default:
		return actionShutdown
	}
}

package app

import (
	"os"
	"syscall"

	"jobhost/internal/runtime/lifecycle"
)

type StopReason = lifecycle.StopReason

const (
	StopUnknown      = lifecycle.StopUnknown
	StopSIGINT       = lifecycle.StopSIGINT
	StopSIGTERM      = lifecycle.StopSIGTERM
	StopFatalError   = lifecycle.StopFatalError
	StopAppStop      = lifecycle.StopAppStop
	StopConfigReload = lifecycle.StopConfigReload
)

// ReasonForSignal maps a shutdown signal to the reason passed to Stop.
func ReasonForSignal(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	}
	return StopUnknown
}

//go:build unix

package main

import (
	"os"
	"syscall"
)

// abortCycleSignals cancel the running check cycle in daemon mode.
var abortCycleSignals = []os.Signal{syscall.SIGUSR1}

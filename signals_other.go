//go:build !unix

package main

import "os"

var abortCycleSignals []os.Signal

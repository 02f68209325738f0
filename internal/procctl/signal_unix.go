//go:build unix

package procctl

import (
	"context"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"
)

func signalWorker(ctx context.Context, pid int, mode Mode) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	sig := syscall.SIGTERM
	if mode == ModeDaemon {
		sig = syscall.SIGUSR1
	}
	return p.SendSignalWithContext(ctx, sig)
}

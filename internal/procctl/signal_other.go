//go:build !unix

package procctl

import "context"

func signalWorker(ctx context.Context, pid int, mode Mode) error {
	return ErrUnsupported
}

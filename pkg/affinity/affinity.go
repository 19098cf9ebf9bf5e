// Package affinity binds the calling goroutine to its OS thread and,
// where supported, pins that thread to a CPU core.
package affinity

import "runtime"

// NoCPU disables pinning.
const NoCPU = -1

// Lock wires the current goroutine to its OS thread and pins the thread to
// cpu when cpu >= 0. The returned function undoes the thread lock.
func Lock(cpu int) (unlock func(), err error) {
	runtime.LockOSThread()
	if cpu >= 0 {
		if err := pin(cpu); err != nil {
			return runtime.UnlockOSThread, err
		}
	}
	return runtime.UnlockOSThread, nil
}

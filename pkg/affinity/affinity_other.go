//go:build !linux

package affinity

import "github.com/yanun0323/logs"

func pin(cpu int) error {
	logs.Warnf("cpu pinning is not supported on this platform, cpu %d ignored", cpu)
	return nil
}

// Current is not supported off linux and always returns nil.
func Current() ([]int, error) {
	return nil, nil
}

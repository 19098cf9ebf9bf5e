package bus

import (
	"os"

	"github.com/yanun0323/logs"
)

// OverflowFunc is invoked by a producer whose ring is full. The element is
// dropped once it returns.
type OverflowFunc func(queue string)

// AbortOnOverflow raises a fatal alarm and terminates the process.
func AbortOnOverflow(queue string) {
	logs.Errorf("FATAL: ring %s is full, aborting", queue)
	os.Exit(2)
}

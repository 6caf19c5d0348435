package concurrency

import (
	"log"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container's CPU quota.
// Call it at the very start of main, before the logger exists; output goes
// through the standard log package for that reason. The returned function
// restores the original GOMAXPROCS value.
func InitializeForKubernetes() func() {
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set maxprocs: %v", err)
		return func() {}
	}

	log.Printf("Concurrency initialized: GOMAXPROCS=%d", runtime.GOMAXPROCS(0))

	return undo
}

// GetEffectiveCPUs returns the CPU count the runtime will actually use,
// which respects cgroup limits in containers.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}

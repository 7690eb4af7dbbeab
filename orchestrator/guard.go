package orchestrator

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// deviceHandleGuard enforces spec §3's ownership rule — exactly one
// device handle exists per mode at any time — the same way the teacher
// codebase's OperationGuard serializes devicemapper operations, repurposed
// here to recovery/restore transport handles instead of thin-device
// operations.
type deviceHandleGuard struct {
	mu     sync.Mutex
	held   bool
	owner  string
	logger logrus.FieldLogger
}

func newDeviceHandleGuard(logger logrus.FieldLogger) *deviceHandleGuard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &deviceHandleGuard{logger: logger.WithField("component", "device-handle-guard")}
}

// Acquire claims the single device handle slot for owner (e.g. "normal",
// "recovery", "restore"). It fails if a handle is already held — a caller
// must Release before acquiring the next mode's handle.
func (g *deviceHandleGuard) Acquire(owner string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return fmt.Errorf("device handle guard: %s cannot acquire, %s already holds the handle", owner, g.owner)
	}
	g.held = true
	g.owner = owner
	g.logger.WithField("owner", owner).Debug("acquired device handle")
	return nil
}

// Release frees the handle slot. Idempotent.
func (g *deviceHandleGuard) Release(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return
	}
	g.logger.WithField("owner", owner).Debug("released device handle")
	g.held = false
	g.owner = ""
}

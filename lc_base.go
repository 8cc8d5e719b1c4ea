package jobq

import (
	"sync/atomic"
	"time"

	"github.com/vkryukov/jobq/internal"
)

const (
	stopped = iota
	started
)

// lcBase implements the strict start/stop lifecycle shared by Runner and
// CleanWorker: Start may only be called once, Stop waits for the
// background goroutines to finish or returns ErrStopTimeout.
type lcBase struct {
	state atomic.Int32
}

func (lb *lcBase) tryStart() error {
	if !lb.state.CompareAndSwap(stopped, started) {
		return ErrDoubleStarted
	}
	return nil
}

func (lb *lcBase) tryStop(timeout time.Duration, df internal.DoneFunc) error {
	if !lb.state.CompareAndSwap(started, stopped) {
		return ErrDoubleStopped
	}
	done := df()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

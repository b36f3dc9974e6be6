package rabbitmq

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptHook runs one close function when the process is interrupted.
// Installing a new function replaces the previous one instead of stacking.
type InterruptHook struct {
	mu      sync.Mutex
	signals chan os.Signal
	stop    chan struct{}
	notify  func(c chan<- os.Signal, sig ...os.Signal)
	reset   func(c chan<- os.Signal)
}

// NewInterruptHook creates a hook listening for os.Interrupt and SIGTERM
func NewInterruptHook() *InterruptHook {
	return NewSignalHook(signal.Notify, signal.Stop)
}

// NewSignalHook creates a hook that registers through notify and reset
// instead of the os/signal package
func NewSignalHook(notify func(c chan<- os.Signal, sig ...os.Signal), reset func(c chan<- os.Signal)) *InterruptHook {
	return &InterruptHook{notify: notify, reset: reset}
}

// Install registers closeFn, dropping any function installed earlier.
// After firing once the hook unregisters itself so a second interrupt gets
// the default process behaviour.
func (h *InterruptHook) Install(closeFn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.uninstallLocked()

	signals := make(chan os.Signal, 1)
	stop := make(chan struct{})
	h.signals = signals
	h.stop = stop
	h.notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-signals:
			h.mu.Lock()
			if h.signals == signals {
				h.uninstallLocked()
			}
			h.mu.Unlock()
			closeFn()
		case <-stop:
		}
	}()
}

// Uninstall removes the current function, if any
func (h *InterruptHook) Uninstall() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uninstallLocked()
}

// Installed reports whether a function is currently registered
func (h *InterruptHook) Installed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signals != nil
}

func (h *InterruptHook) uninstallLocked() {
	if h.signals == nil {
		return
	}
	h.reset(h.signals)
	close(h.stop)
	h.signals = nil
	h.stop = nil
}

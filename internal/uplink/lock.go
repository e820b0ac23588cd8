package uplink

import "sync/atomic"

// ModemLock is the one claim on the modem. Batches, scheduled or not, and
// every ad hoc session must hold it: there is one UART and one reset line.
type ModemLock struct {
	held atomic.Bool
}

// TryAcquire claims the modem. It never blocks.
func (l *ModemLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release drops the claim.
func (l *ModemLock) Release() {
	l.held.Store(false)
}

// Held reports whether someone holds the modem.
func (l *ModemLock) Held() bool {
	return l.held.Load()
}

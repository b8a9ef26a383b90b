package controller

import "fmt"

type wakelock int

const (
	wakeLockProximityPositive wakelock = iota
	wakeLockProximityNegative
	wakeLockProximityDebounce
	wakeLockStateChanged
	wakeLockUnfinishedBusiness
)

var wakelockNames = [...]string{
	wakeLockProximityPositive:  "proximity positive",
	wakeLockProximityNegative:  "proximity negative",
	wakeLockProximityDebounce:  "proximity debounce",
	wakeLockStateChanged:       "state changed",
	wakeLockUnfinishedBusiness: "unfinished business",
}

// wakelocks tracks which suspend blockers this display holds. Loop only.
type wakelocks struct {
	cb        Callbacks
	displayID int
	held      [len(wakelockNames)]bool
}

func (w *wakelocks) id(k wakelock) string {
	return fmt.Sprintf("[Display %d] %s", w.displayID, wakelockNames[k])
}

// acquire takes k and reports whether it was newly taken.
func (w *wakelocks) acquire(k wakelock) bool {
	if w.held[k] {
		return false
	}
	w.held[k] = true
	w.cb.AcquireSuspendBlocker(w.id(k))
	return true
}

// release drops k and reports whether it was held.
func (w *wakelocks) release(k wakelock) bool {
	if !w.held[k] {
		return false
	}
	w.held[k] = false
	w.cb.ReleaseSuspendBlocker(w.id(k))
	return true
}

func (w *wakelocks) isHeld(k wakelock) bool {
	return w.held[k]
}

func (w *wakelocks) releaseAll() {
	for k := range w.held {
		w.release(wakelock(k))
	}
}

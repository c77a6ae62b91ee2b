package real

import (
	"sync"
	"time"
)

// timerEntry mirrors the simulator's generation-counter idiom (sim/node.go)
// so a CancelTimer reliably suppresses an already-scheduled firing even
// though here the firing races in on its own goroutine via time.AfterFunc
// instead of a single event loop popping it in order.
type timerEntry struct {
	gen   uint64
	armed bool
	timer *time.Timer
}

// TimerManager is keyed by (processName, timer name); each entry owns a
// cancelable delayed task that, on fire, pushes the name onto the owning
// process's timer channel. This is the real-mode analogue of the
// teacher's poweroff/cancellation-channel idiom (protocol.go's poweroff
// struct): a small mutex-guarded table of control handles rather than one
// shared event queue.
type TimerManager struct {
	mu      sync.Mutex
	entries map[string]map[string]*timerEntry // processName -> timer name -> entry
	fireCh  map[string]chan string            // processName -> fire channel
}

// NewTimerManager builds an empty TimerManager.
func NewTimerManager() *TimerManager {
	return &TimerManager{
		entries: make(map[string]map[string]*timerEntry),
		fireCh:  make(map[string]chan string),
	}
}

// register gives processName a fire channel; called once per process when
// its processManager loop starts (processManager.run). Set/SetOnce calls
// for a process that has not been registered yet are ignored.
func (tm *TimerManager) register(processName string) <-chan string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	ch := make(chan string, 16)
	tm.fireCh[processName] = ch
	tm.entries[processName] = make(map[string]*timerEntry)
	return ch
}

// Set arms name for processName, overwriting (aborting) any prior pending
// task of the same name.
func (tm *TimerManager) Set(processName, name string, delay time.Duration) {
	tm.armTimer(processName, name, delay, false)
}

// SetOnce arms name only if it isn't already pending.
func (tm *TimerManager) SetOnce(processName, name string, delay time.Duration) {
	tm.armTimer(processName, name, delay, true)
}

func (tm *TimerManager) armTimer(processName, name string, delay time.Duration, onlyIfAbsent bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	procEntries, ok := tm.entries[processName]
	if !ok {
		return
	}
	e := procEntries[name]
	if e == nil {
		e = &timerEntry{}
		procEntries[name] = e
	} else {
		if onlyIfAbsent && e.armed {
			return
		}
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	e.gen++
	e.armed = true
	gen := e.gen

	fireCh := tm.fireCh[processName]
	e.timer = time.AfterFunc(delay, func() {
		tm.fire(processName, name, gen, fireCh)
	})
}

func (tm *TimerManager) fire(processName, name string, gen uint64, fireCh chan string) {
	tm.mu.Lock()
	procEntries := tm.entries[processName]
	if procEntries == nil {
		tm.mu.Unlock()
		return
	}
	e := procEntries[name]
	if e == nil || !e.armed || e.gen != gen {
		tm.mu.Unlock()
		return
	}
	e.armed = false
	tm.mu.Unlock()

	select {
	case fireCh <- name:
	default:
		// Fire channel full: the process is behind. Dropping here would
		// violate at-least-once timer delivery, so block until the
		// channel has room instead.
		fireCh <- name
	}
}

// Cancel aborts name's pending task for processName, if any. After Cancel
// returns, the timer channel will never receive that instance's firing.
func (tm *TimerManager) Cancel(processName, name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	procEntries := tm.entries[processName]
	if procEntries == nil {
		return
	}
	e := procEntries[name]
	if e == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.armed = false
	e.gen++
}

// StopProcess cancels every timer owned by processName, e.g. on Stop().
func (tm *TimerManager) StopProcess(processName string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, e := range tm.entries[processName] {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.armed = false
		e.gen++
	}
}

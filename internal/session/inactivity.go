package session

import "time"

// TimerState is the state of the inactivity auto-logout.
type TimerState int

const (
	// Dormant: no identity, or no activity seen since authenticating.
	Dormant TimerState = iota
	// Armed: warning and logout timers are counting down.
	Armed
	// Warned: the expiry warning was shown, logout is still pending.
	Warned
	// LoggedOut: the logout timer fired for this cycle.
	LoggedOut
)

func (s TimerState) String() string {
	switch s {
	case Dormant:
		return "dormant"
	case Armed:
		return "armed"
	case Warned:
		return "warned"
	case LoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// ActivityKind is a user interaction that counts as activity.
type ActivityKind string

const (
	ActivityPointerDown ActivityKind = "pointerdown"
	ActivityPointerMove ActivityKind = "pointermove"
	ActivityKeyPress    ActivityKind = "keypress"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouchStart  ActivityKind = "touchstart"
	ActivityClick       ActivityKind = "click"
)

// Qualifies reports whether k resets the inactivity timers.
func (k ActivityKind) Qualifies() bool {
	switch k {
	case ActivityPointerDown, ActivityPointerMove, ActivityKeyPress,
		ActivityScroll, ActivityTouchStart, ActivityClick:
		return true
	}
	return false
}

// inactivityTimer owns the warning/logout timer pair. Callers hold the
// controller lock for every method.
//
// Each arming starts a new cycle; the timer callbacks receive the cycle they
// were armed for and must ignore themselves when it is no longer current.
type inactivityTimer struct {
	clock         Clock
	timeout       time.Duration
	warningBefore time.Duration

	onWarning func(cycle uint64)
	onLogout  func(cycle uint64)

	warning Timer
	logout  Timer
	cycle   uint64

	attached     bool
	armed        bool
	hasActivity  bool
	warningShown bool
	expired      bool

	deadline time.Time
}

func newInactivityTimer(clock Clock, timeout, warningBefore time.Duration, onWarning, onLogout func(cycle uint64)) *inactivityTimer {
	return &inactivityTimer{
		clock:         clock,
		timeout:       timeout,
		warningBefore: warningBefore,
		onWarning:     onWarning,
		onLogout:      onLogout,
	}
}

// attach starts listening for activity. Called while an identity is present.
func (t *inactivityTimer) attach() {
	t.attached = true
}

// detach stops listening and returns to Dormant. A new sign-in needs a
// fresh activity event before the timers arm again.
func (t *inactivityTimer) detach() {
	t.disarm()
	t.attached = false
	t.hasActivity = false
	t.expired = false
}

// record registers an activity event, arming or resetting the timers.
// It reports whether the event was accepted.
func (t *inactivityTimer) record() bool {
	if !t.attached || t.expired {
		return false
	}
	t.hasActivity = true
	t.reset()
	return true
}

// reset clears both timers and sets both again from now.
func (t *inactivityTimer) reset() {
	t.disarm()
	t.arm(t.clock.Now())
}

func (t *inactivityTimer) arm(now time.Time) {
	t.cycle++
	cycle := t.cycle

	t.deadline = now.Add(t.timeout)
	t.warning = t.clock.AfterFunc(t.timeout-t.warningBefore, func() { t.onWarning(cycle) })
	t.logout = t.clock.AfterFunc(t.timeout, func() { t.onLogout(cycle) })
	t.armed = true
}

func (t *inactivityTimer) disarm() {
	stopTimer(t.warning)
	stopTimer(t.logout)
	t.warning = nil
	t.logout = nil
	t.armed = false
	t.warningShown = false
	t.deadline = time.Time{}
}

// current reports whether cycle is the live arming cycle.
func (t *inactivityTimer) current(cycle uint64) bool {
	return t.armed && cycle == t.cycle
}

// warn marks the warning shown. It returns false if it already was.
func (t *inactivityTimer) warn() bool {
	if t.warningShown {
		return false
	}
	t.warningShown = true
	return true
}

// expire ends the cycle after the logout timer fired.
func (t *inactivityTimer) expire() {
	t.disarm()
	t.expired = true
}

// suppress abandons an expired cycle without signing out. The timers stay
// off until the next activity event.
func (t *inactivityTimer) suppress() {
	t.disarm()
	t.expired = false
	t.hasActivity = false
}

func (t *inactivityTimer) state() TimerState {
	switch {
	case t.expired:
		return LoggedOut
	case !t.armed:
		return Dormant
	case t.warningShown:
		return Warned
	default:
		return Armed
	}
}

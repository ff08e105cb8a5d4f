package posture

import "time"

// AlertState is mutated only by AlertGate.
type AlertState struct {
	BadPostureStart *time.Time
	AlertActive     bool
	LastAlertTime   *time.Time
}

// AlertGate fires at most one alert per continuous bad period, once the
// period reaches the threshold and the cooldown since the previous alert
// has elapsed. LastAlertTime survives good periods so the cooldown spans
// alternating good/bad runs.
type AlertGate struct {
	threshold time.Duration
	cooldown  time.Duration
	state     AlertState
}

func NewAlertGate(threshold, cooldown time.Duration) *AlertGate {
	return &AlertGate{threshold: threshold, cooldown: cooldown}
}

// Evaluate reports whether an alert fires for this observation.
func (g *AlertGate) Evaluate(good bool, now time.Time) bool {
	if good {
		g.state.BadPostureStart = nil
		g.state.AlertActive = false
		return false
	}

	if g.state.BadPostureStart == nil {
		start := now
		g.state.BadPostureStart = &start
	}

	elapsed := now.Sub(*g.state.BadPostureStart)
	if elapsed < g.threshold || g.state.AlertActive {
		return false
	}
	if g.state.LastAlertTime != nil && now.Sub(*g.state.LastAlertTime) < g.cooldown {
		return false
	}

	fired := now
	g.state.AlertActive = true
	g.state.LastAlertTime = &fired
	return true
}

// State returns a copy of the current state.
func (g *AlertGate) State() AlertState {
	out := AlertState{AlertActive: g.state.AlertActive}
	if g.state.BadPostureStart != nil {
		t := *g.state.BadPostureStart
		out.BadPostureStart = &t
	}
	if g.state.LastAlertTime != nil {
		t := *g.state.LastAlertTime
		out.LastAlertTime = &t
	}
	return out
}

// Reset clears everything including LastAlertTime.
func (g *AlertGate) Reset() {
	g.state = AlertState{}
}

func (g *AlertGate) Threshold() time.Duration { return g.threshold }
func (g *AlertGate) Cooldown() time.Duration  { return g.cooldown }

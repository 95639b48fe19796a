package reminder

import "sync/atomic"

// Presence tracks when an operator last had the dashboard open.
// Params: last heartbeat time and activity window.
// Returns: viewer-active signal for the reminder policy.
type Presence struct {
	windowMS      int64
	lastHeartbeat atomic.Int64
}

// NewPresence creates tracker with activity window.
// Params: window in milliseconds during which a heartbeat counts as active.
// Returns: tracker with no heartbeat.
func NewPresence(windowMS int64) *Presence {
	return &Presence{windowMS: windowMS}
}

// Touch records viewer heartbeat.
// Params: heartbeat time in epoch ms.
// Returns: none.
func (p *Presence) Touch(nowMS int64) {
	p.lastHeartbeat.Store(nowMS)
}

// Active reports whether viewer heartbeat is recent.
// Params: current epoch ms.
// Returns: true within window of last heartbeat.
func (p *Presence) Active(nowMS int64) bool {
	last := p.lastHeartbeat.Load()
	return last > 0 && nowMS-last <= p.windowMS
}


// Package budget computes how long a synchronous stream may run before it
// must abort to leave the host platform time for a clean response.
package budget

import "time"

// Route names used to look up host limits.
const (
	RouteStream = "chat.stream"
	RouteResume = "chat.resume"
)

// Calculator holds per-route host limits plus the shared reserve, soft
// target and floor.
type Calculator struct {
	HostMax    map[string]time.Duration
	DefaultMax time.Duration
	Reserve    time.Duration
	SoftTarget time.Duration
	Floor      time.Duration
}

func (c Calculator) hostMax(route string) time.Duration {
	if d, ok := c.HostMax[route]; ok {
		return d
	}
	return c.DefaultMax
}

// Budget is the host maximum for route minus the teardown reserve, never
// negative.
func (c Calculator) Budget(route string) time.Duration {
	return Budget(c.hostMax(route), c.Reserve)
}

// Abort is the deadline handed to the abort controller for route.
func (c Calculator) Abort(route string) time.Duration {
	return Abort(c.SoftTarget, c.Floor, c.Budget(route))
}

func Budget(hostMax, reserve time.Duration) time.Duration {
	return max(0, hostMax-reserve)
}

// Abort clamps soft into [floor, budget]. When the floor exceeds the budget
// the budget wins, so the result never outlives the host limit.
func Abort(soft, floor, budget time.Duration) time.Duration {
	floor = min(max(floor, 0), budget)
	return min(max(soft, floor), budget)
}

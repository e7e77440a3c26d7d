package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudget(t *testing.T) {
	assert.Equal(t, 290*time.Second, Budget(300*time.Second, 10*time.Second))
	assert.Equal(t, time.Duration(0), Budget(5*time.Second, 10*time.Second))
	assert.Equal(t, time.Duration(0), Budget(0, 0))
}

func TestAbort_WithinBounds(t *testing.T) {
	durations := []time.Duration{0, time.Millisecond, time.Second, 5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second}

	for _, hostMax := range durations {
		for _, reserve := range durations {
			for _, soft := range durations {
				for _, floor := range durations {
					b := Budget(hostMax, reserve)
					a := Abort(soft, floor, b)
					assert.LessOrEqual(t, a, b, "host=%s reserve=%s soft=%s floor=%s", hostMax, reserve, soft, floor)
					if floor <= b {
						assert.GreaterOrEqual(t, a, floor, "host=%s reserve=%s soft=%s floor=%s", hostMax, reserve, soft, floor)
					}
					assert.GreaterOrEqual(t, a, time.Duration(0))
				}
			}
		}
	}
}

func TestAbort_Cases(t *testing.T) {
	assert.Equal(t, 240*time.Second, Abort(240*time.Second, 15*time.Second, 290*time.Second))
	assert.Equal(t, 290*time.Second, Abort(400*time.Second, 15*time.Second, 290*time.Second))
	assert.Equal(t, 15*time.Second, Abort(5*time.Second, 15*time.Second, 290*time.Second))
	// degenerate: floor above budget collapses onto the budget
	assert.Equal(t, 3*time.Second, Abort(240*time.Second, 15*time.Second, 3*time.Second))
}

func TestCalculator_PerRoute(t *testing.T) {
	c := Calculator{
		HostMax:    map[string]time.Duration{RouteStream: 60 * time.Second},
		DefaultMax: 300 * time.Second,
		Reserve:    10 * time.Second,
		SoftTarget: 240 * time.Second,
		Floor:      15 * time.Second,
	}
	assert.Equal(t, 50*time.Second, c.Budget(RouteStream))
	assert.Equal(t, 50*time.Second, c.Abort(RouteStream))
	assert.Equal(t, 290*time.Second, c.Budget(RouteResume))
	assert.Equal(t, 240*time.Second, c.Abort(RouteResume))
}

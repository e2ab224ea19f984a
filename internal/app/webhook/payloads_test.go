package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rutaops/dispatch/internal/app/domain/route"
	"github.com/rutaops/dispatch/internal/app/domain/settings"
)

func at(hhmm string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04", "2025-03-10 "+hhmm)
	return t.UTC()
}

func TestEtaWindowRoundsToTenMinutes(t *testing.T) {
	n := settings.Notifications{EtaWindowBeforeMin: 30, EtaWindowAfterMin: 30}

	// original 11:07 → raw window [10:37, 11:37] → rendered [10:30, 11:40]
	start, end := EtaWindow(at("11:07"), n)
	assert.Equal(t, at("10:30"), start)
	assert.Equal(t, at("11:40"), end)
}

func TestEtaWindowExactBoundary(t *testing.T) {
	n := settings.Notifications{EtaWindowBeforeMin: 30, EtaWindowAfterMin: 30}

	// original 11:00 → [10:30, 11:30], both already on boundaries.
	start, end := EtaWindow(at("11:00"), n)
	assert.Equal(t, at("10:30"), start)
	assert.Equal(t, at("11:30"), end)
}

func TestSnapshotStopUsesOriginalEta(t *testing.T) {
	n := settings.DefaultNotifications()
	st := route.Stop{
		ID:                "s1",
		SequenceOrder:     2,
		Status:            route.StopPending,
		OriginalEstimated: at("11:00"),
		EstimatedArrival:  at("11:45"), // live estimate drifted
	}

	snap := SnapshotStop(st, "Ana", n)
	require.NotNil(t, snap.EtaWindowStart)
	require.NotNil(t, snap.EtaWindowEnd)

	// The window derives from the frozen original, not the drifted estimate.
	wantStart, wantEnd := EtaWindow(at("11:00"), n)
	assert.Equal(t, wantStart, *snap.EtaWindowStart)
	assert.Equal(t, wantEnd, *snap.EtaWindowEnd)
	assert.Equal(t, "Ana", snap.CustomerName)
}

func TestSnapshotStopWithoutOriginalHasNoWindow(t *testing.T) {
	snap := SnapshotStop(route.Stop{ID: "s1", Status: route.StopPending}, "", settings.DefaultNotifications())
	assert.Nil(t, snap.EtaWindowStart)
	assert.Nil(t, snap.EtaWindowEnd)
}

func TestBuildPayloadShape(t *testing.T) {
	r := route.Route{ID: "r1", Name: "North", Status: route.StatusInProgress, StartedAt: at("10:00")}
	stop := route.Stop{ID: "s1", Status: route.StopCompleted, SequenceOrder: 1}
	remaining := []route.Stop{{ID: "s2", Status: route.StopPending, SequenceOrder: 2}}

	p := Build(EventStopCompleted, r, nil, &stop, remaining, nil,
		settings.DefaultNotifications(), map[string]any{"reason": "stop_completed"})

	assert.Equal(t, EventStopCompleted, p.Event)
	assert.Equal(t, "r1", p.Route.ID)
	assert.Nil(t, p.Driver)
	require.NotNil(t, p.Stop)
	assert.Equal(t, "s1", p.Stop.ID)
	require.Len(t, p.RemainingStops, 1)
	assert.Equal(t, "s2", p.RemainingStops[0].ID)
	assert.Equal(t, "stop_completed", p.Metadata["reason"])
	assert.False(t, p.Timestamp.IsZero())
}

func TestTerminalStopEvent(t *testing.T) {
	assert.Equal(t, EventStopCompleted, TerminalStopEvent(route.StopCompleted))
	assert.Equal(t, EventStopFailed, TerminalStopEvent(route.StopFailed))
	assert.Equal(t, EventStopSkipped, TerminalStopEvent(route.StopSkipped))
}

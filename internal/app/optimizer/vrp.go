package optimizer

import (
	"fmt"
	"time"
)

// Scoring weights for the windowed greedy heuristic. Travel dominates; waits
// are half-priced; lateness is penalized an order of magnitude harder.
const (
	waitWeight        = 0.5
	lateWeight        = 10
	priorityBonus     = 20
	urgencyBonus      = 20
	earlyPriorityBonus = 15
	urgencyThresholdMin = 60
	earlyPickCount      = 3
)

// solveTimeWindows runs the greedy VRP-with-time-windows pass: from the depot,
// repeatedly pick the lowest-scoring reachable candidate and advance the clock
// through its wait and service time.
func (o *Optimizer) solveTimeWindows(req Request, minutes, meters [][]float64) Plan {
	unvisited := make(map[int]struct{}, len(req.Stops))
	for i := range req.Stops {
		unvisited[i] = struct{}{}
	}

	var tour []int
	current := req.ShiftStart
	prev := 0 // depot row of the matrix

	pinnedLast := -1
	if req.LastStopID != "" {
		for i, s := range req.Stops {
			if s.ID == req.LastStopID {
				pinnedLast = i
			}
		}
	}

	// A pinned first stop skips scoring entirely.
	if req.FirstStopID != "" {
		for i, s := range req.Stops {
			if s.ID != req.FirstStopID {
				continue
			}
			arrival := current.Add(durationMin(minutes[prev][i+1]))
			wait := waitMinutes(s, arrival)
			current = arrival.Add(durationMin(wait)).Add(time.Duration(s.ServiceMinutes) * time.Minute)
			prev = i + 1
			tour = append(tour, i)
			delete(unvisited, i)
			break
		}
	}

	var warnings []string
	var unserviceable []string

	for len(unvisited) > 0 {
		best := -1
		var bestScore float64

		for i := range unvisited {
			if i == pinnedLast && len(unvisited) > 1 {
				continue
			}
			s := req.Stops[i]
			travelMin := minutes[prev][i+1]
			arrival := current.Add(durationMin(travelMin))
			wait := waitMinutes(s, arrival)
			started := arrival.Add(durationMin(wait))

			if !req.ShiftEnd.IsZero() && started.Add(time.Duration(s.ServiceMinutes)*time.Minute).After(req.ShiftEnd) {
				continue // not reachable inside the shift
			}

			var late float64
			if !s.TimeWindowEnd.IsZero() && started.After(s.TimeWindowEnd) {
				late = started.Sub(s.TimeWindowEnd).Minutes()
			}

			score := travelMin + waitWeight*wait + lateWeight*late - float64(priorityBonus*s.Priority)
			if !s.TimeWindowEnd.IsZero() && s.TimeWindowEnd.Sub(current).Minutes() < urgencyThresholdMin {
				score -= urgencyBonus
			}
			if len(tour) < earlyPickCount {
				score -= float64(earlyPriorityBonus * s.Priority)
			}

			if best == -1 || score < bestScore || (score == bestScore && tieBreak(req.Stops[i], req.Stops[best])) {
				best = i
				bestScore = score
			}
		}

		if best == -1 {
			for i := range unvisited {
				unserviceable = append(unserviceable, req.Stops[i].ID)
			}
			warnings = append(warnings, fmt.Sprintf("%d stops cannot be reached within the driver shift", len(unvisited)))
			break
		}

		s := req.Stops[best]
		arrival := current.Add(durationMin(minutes[prev][best+1]))
		wait := waitMinutes(s, arrival)
		current = arrival.Add(durationMin(wait)).Add(time.Duration(s.ServiceMinutes) * time.Minute)
		prev = best + 1
		tour = append(tour, best)
		delete(unvisited, best)
	}

	plan := assemble(req, tour, minutes, meters)
	plan.Unserviceable = unserviceable
	plan.Warnings = warnings
	for _, ps := range plan.Stops {
		if ps.LateMinutes > 0 {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("stop %s arrives %.0f min after its time window", ps.StopID, ps.LateMinutes))
		}
	}
	return plan
}

func waitMinutes(s Stop, arrival time.Time) float64 {
	if !s.TimeWindowStart.IsZero() && arrival.Before(s.TimeWindowStart) {
		return s.TimeWindowStart.Sub(arrival).Minutes()
	}
	return 0
}

// tieBreak prefers the candidate with the earlier window end, then the lower id.
func tieBreak(a, b Stop) bool {
	ae, be := a.TimeWindowEnd, b.TimeWindowEnd
	switch {
	case ae.IsZero() && be.IsZero():
		return a.ID < b.ID
	case ae.IsZero():
		return false
	case be.IsZero():
		return true
	case !ae.Equal(be):
		return ae.Before(be)
	default:
		return a.ID < b.ID
	}
}

package optimizer

import (
	"context"
	"math"
	"math/rand"

	"github.com/rutaops/dispatch/internal/app/geo"
	"github.com/rutaops/dispatch/internal/app/travel"
)

// Annealing schedule. Values were tuned against urban routes of up to a few
// dozen stops; the iteration count scales with the input.
const (
	initialTemperature = 10000.0
	coolingRate        = 0.995
	minTemperature     = 0.1
	itersPerStop       = 50
	twoOptMaxSweeps    = 1000
)

// solveAnnealing orders unconstrained stops: nearest-neighbor seed, simulated
// annealing over swap/reversal moves, then a deterministic 2-opt polish. The
// depot anchors both tour ends; pinned first/last stops are held fixed.
func (o *Optimizer) solveAnnealing(ctx context.Context, req Request, provider travel.Provider, minutes, meters [][]float64) (Plan, error) {
	n := len(req.Stops)

	firstPin, lastPin := -1, -1
	free := make([]int, 0, n)
	for i, s := range req.Stops {
		switch s.ID {
		case req.FirstStopID:
			firstPin = i
		case req.LastStopID:
			lastPin = i
		default:
			free = append(free, i)
		}
	}

	// cost of the leg between tour positions; index -1 stands for the depot.
	leg := func(a, b int) float64 {
		return minutes[a+1][b+1]
	}
	cost := func(tour []int) float64 {
		total := leg(-1, tour[0])
		for i := 1; i < len(tour); i++ {
			total += leg(tour[i-1], tour[i])
		}
		return total + leg(tour[len(tour)-1], -1)
	}

	if n == 1 {
		return assemble(req, []int{0}, minutes, meters), nil
	}

	// Nearest-neighbor seed over the free stops, starting from the pinned
	// first stop when present, otherwise from the depot.
	start := -1
	if firstPin >= 0 {
		start = firstPin
	}
	tour := nearestNeighbor(start, free, leg)
	if firstPin >= 0 {
		tour = append([]int{firstPin}, tour...)
	}
	if lastPin >= 0 {
		tour = append(tour, lastPin)
	}

	// The annealing and 2-opt phases mutate only the movable span of the tour.
	lo := 0
	hi := len(tour)
	if firstPin >= 0 {
		lo = 1
	}
	if lastPin >= 0 {
		hi--
	}

	if hi-lo > 1 {
		rng := rand.New(rand.NewSource(seedFor(req.Stops)))
		anneal(tour, lo, hi, cost, rng)
		twoOpt(tour, lo, hi, cost)
	}

	if n > matrixStopLimit && o.Maps != nil && provider != o.Maps && firstPin < 0 && lastPin < 0 {
		tour = o.refineWithWaypoints(ctx, req, tour)
	}

	return assemble(req, tour, minutes, meters), nil
}

func nearestNeighbor(start int, free []int, leg func(a, b int) float64) []int {
	remaining := append([]int(nil), free...)
	tour := make([]int, 0, len(free))
	current := start
	for len(remaining) > 0 {
		best := 0
		for i := 1; i < len(remaining); i++ {
			if leg(current, remaining[i]) < leg(current, remaining[best]) {
				best = i
			}
		}
		current = remaining[best]
		tour = append(tour, current)
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return tour
}

// anneal runs the simulated-annealing loop in place over tour[lo:hi].
func anneal(tour []int, lo, hi int, cost func([]int) float64, rng *rand.Rand) {
	span := hi - lo
	current := cost(tour)
	best := append([]int(nil), tour...)
	bestCost := current

	for temp := initialTemperature; temp > minTemperature; temp *= coolingRate {
		for iter := 0; iter < itersPerStop*span; iter++ {
			i := lo + rng.Intn(span)
			j := lo + rng.Intn(span)
			if i == j {
				continue
			}
			if i > j {
				i, j = j, i
			}

			useSwap := rng.Intn(2) == 0
			if useSwap {
				tour[i], tour[j] = tour[j], tour[i]
			} else {
				reverse(tour, i, j)
			}

			next := cost(tour)
			delta := next - current
			if delta <= 0 || rng.Float64() < math.Exp(-delta/temp) {
				current = next
				if current < bestCost {
					bestCost = current
					copy(best, tour)
				}
			} else if useSwap { // both moves are involutions; reapply to undo
				tour[i], tour[j] = tour[j], tour[i]
			} else {
				reverse(tour, i, j)
			}
		}
	}
	copy(tour, best)
}

func reverse(tour []int, i, j int) {
	for i < j {
		tour[i], tour[j] = tour[j], tour[i]
		i++
		j--
	}
}

// twoOpt applies first-improving segment reversals until no move helps,
// bounded to a fixed number of sweeps.
func twoOpt(tour []int, lo, hi int, cost func([]int) float64) {
	current := cost(tour)
	for sweep := 0; sweep < twoOptMaxSweeps; sweep++ {
		improved := false
		for i := lo; i < hi-1 && !improved; i++ {
			for j := i + 1; j < hi; j++ {
				reverse(tour, i, j)
				if next := cost(tour); next < current {
					current = next
					improved = true
					break
				}
				reverse(tour, i, j)
			}
		}
		if !improved {
			return
		}
	}
}

// refineWithWaypoints issues the single allowed waypoint-optimization call for
// large routes, replacing the annealed order when the remote provider returns
// a traffic-aware permutation. Failures keep the annealed tour.
func (o *Optimizer) refineWithWaypoints(ctx context.Context, req Request, tour []int) []int {
	points := make([]geo.Point, len(tour))
	for i, idx := range tour {
		points[i] = req.Stops[idx].Pos
	}
	perm, err := o.Maps.OptimizeWaypoints(ctx, req.Depot, points, req.Depot)
	if err != nil || len(perm) != len(tour) {
		return tour
	}
	refined := make([]int, len(tour))
	for i, p := range perm {
		if p < 0 || p >= len(tour) {
			return tour
		}
		refined[i] = tour[p]
	}
	return refined
}

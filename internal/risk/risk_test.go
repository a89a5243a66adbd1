package risk

import (
	"math"
	"testing"
)

func TestTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		atRisk       int64
		maxLoss      int64
		thresholdPct int
		want         int
	}{
		{"zero exposure", 0, 10_000, 10, 0},
		{"just under first rung", 999, 10_000, 10, 0},
		{"first rung boundary", 1_000, 10_000, 10, 1},
		{"mid ladder", 5_500, 10_000, 10, 5},
		{"at cap", 10_000, 10_000, 10, 10},
		{"beyond cap", 12_000, 10_000, 10, 12},
		{"coarse threshold", 4_999, 10_000, 25, 1},
		{"zero cap pins ladder", 5_000, 0, 10, 0},
		{"zero threshold pins ladder", 5_000, 10_000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Tier(tt.atRisk, tt.maxLoss, tt.thresholdPct); got != tt.want {
				t.Errorf("Tier(%d, %d, %d) = %d, want %d",
					tt.atRisk, tt.maxLoss, tt.thresholdPct, got, tt.want)
			}
		})
	}
}

func TestTierMonotonic(t *testing.T) {
	t.Parallel()

	prev := -1
	for at := int64(0); at <= 12_000; at += 250 {
		tier := Tier(at, 10_000, 10)
		if tier < prev {
			t.Fatalf("Tier(%d) = %d dropped below previous %d", at, tier, prev)
		}
		prev = tier
	}
}

func TestPullback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		atRisk  int64
		maxLoss int64
		want    float64
	}{
		{"untouched", 0, 10_000, 1.0},
		{"tenth spent", 1_000, 10_000, 0.9},
		{"forty percent", 4_000, 10_000, 0.6},
		{"at cap", 10_000, 10_000, 0},
		{"beyond cap clamps", 15_000, 10_000, 0},
		{"zero cap quotes nothing", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pullback(tt.atRisk, tt.maxLoss)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Pullback(%d, %d) = %v, want %v", tt.atRisk, tt.maxLoss, got, tt.want)
			}
		})
	}
}

func TestTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		weight     int64
		globalMult float64
		marketMult float64
		pullback   float64
		want       int64
	}{
		{"full size", 5_000, 1.0, 1.0, 1.0, 5_000},
		{"pullback scales down", 5_000, 1.0, 1.0, 0.9, 4_500},
		{"cascade ratio", 4_000, 1.0, 1.0, 0.6, 2_400},
		{"market multiplier", 4_000, 1.0, 0.5, 1.0, 2_000},
		{"global size factor", 1_000, 2.0, 1.0, 1.0, 2_000},
		{"floors fraction", 1_000, 1.0, 1.0, 0.333, 333},
		{"zero pullback", 5_000, 1.0, 1.0, 0, 0},
		{"zero weight", 0, 1.0, 1.0, 1.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Target(tt.weight, tt.globalMult, tt.marketMult, tt.pullback)
			if got != tt.want {
				t.Errorf("Target(%d, %v, %v, %v) = %d, want %d",
					tt.weight, tt.globalMult, tt.marketMult, tt.pullback, got, tt.want)
			}
		})
	}
}

// A fill that lifts the maker onto a new rung must both raise the tier and
// shrink the target for untouched markets, the way a cascade of maximum
// takes walks exposure toward the cap without ever crossing it.
func TestCascadeConverges(t *testing.T) {
	t.Parallel()

	const (
		maxLoss   = int64(10_000)
		threshold = 10
		quote     = int64(4_000)
	)

	var atRisk int64
	prevFill := int64(math.MaxInt64)
	target := quote
	for i := 0; i < 6 && target > 0; i++ {
		// Attacker takes the full resting quote.
		fill := target
		if fill > prevFill {
			t.Fatalf("fill %d grew after pullback (previous %d)", fill, prevFill)
		}
		prevFill = fill
		atRisk += fill
		if atRisk > maxLoss {
			t.Fatalf("at-risk %d crossed the cap %d", atRisk, maxLoss)
		}
		target = Target(quote, 1.0, 1.0, Pullback(atRisk, maxLoss))
	}

	if atRisk >= maxLoss {
		t.Fatalf("cascade should stop strictly below cap, got %d of %d", atRisk, maxLoss)
	}
	if Tier(atRisk, maxLoss, threshold) <= 0 {
		t.Fatalf("cascade of fills left tier at zero (at-risk %d)", atRisk)
	}
}

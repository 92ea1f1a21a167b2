package bandit

import (
	"math/rand"
	"testing"

	"aiorchestrator/internal/domain"
)

func rngForTest() *rand.Rand {
	return rand.New(rand.NewSource(99))
}

func TestChooseReturnsOneOfCandidates(t *testing.T) {
	c := New(1)
	candidates := []domain.Provider{domain.ProviderAWS, domain.ProviderSearch, domain.ProviderSocial}

	chosen := c.Choose("support:standard", candidates)
	found := false
	for _, p := range candidates {
		if p == chosen {
			found = true
		}
	}
	if !found {
		t.Errorf("Choose returned %v, not among candidates %v", chosen, candidates)
	}
}

func TestRecordShiftsPosteriorTowardSuccessfulArm(t *testing.T) {
	c := New(42)

	for i := 0; i < 200; i++ {
		c.Record("legal:standard", domain.ProviderAWS, true, 0.001, 100)
		c.Record("legal:standard", domain.ProviderSearch, false, 0.001, 100)
	}

	wins := map[domain.Provider]int{}
	for i := 0; i < 500; i++ {
		p := c.Choose("legal:standard", []domain.Provider{domain.ProviderAWS, domain.ProviderSearch})
		wins[p]++
	}

	if wins[domain.ProviderAWS] <= wins[domain.ProviderSearch] {
		t.Errorf("expected the consistently successful arm to dominate sampling, got %v", wins)
	}
}

func TestRecordUpdatesRunningMeans(t *testing.T) {
	c := New(7)
	c.Record("general:low", domain.ProviderAWS, true, 0.01, 100)
	c.Record("general:low", domain.ProviderAWS, true, 0.02, 200)
	c.Record("general:low", domain.ProviderAWS, true, 0.03, 300)

	snap := c.State("general:low", domain.ProviderAWS)
	if snap.Samples != 3 {
		t.Fatalf("expected 3 samples, got %d", snap.Samples)
	}
	wantCost := 0.02
	if diff := snap.AverageCostEuro - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected average cost %.4f, got %.4f", wantCost, snap.AverageCostEuro)
	}
	if snap.AverageLatency != 200 {
		t.Errorf("expected average latency 200, got %f", snap.AverageLatency)
	}
	if snap.Alpha != 4 {
		t.Errorf("expected alpha to increment 3 times from prior 1, got %f", snap.Alpha)
	}
	if snap.Beta != 1 {
		t.Errorf("expected beta unchanged, got %f", snap.Beta)
	}
}

func TestStateDefaultsToUninformativePrior(t *testing.T) {
	c := New(1)
	snap := c.State("unseen", domain.ProviderAWS)
	if snap.Alpha != 1 || snap.Beta != 1 {
		t.Errorf("expected Beta(1,1) prior for an unseen bucket, got %+v", snap)
	}
}

func TestResetClearsOneBucket(t *testing.T) {
	c := New(1)
	c.Record("support:low", domain.ProviderAWS, true, 0.01, 50)
	c.Record("legal:low", domain.ProviderAWS, true, 0.01, 50)

	c.Reset("support:low")

	if snap := c.State("support:low", domain.ProviderAWS); snap.Alpha != 1 {
		t.Errorf("expected support:low reset to the prior, got %+v", snap)
	}
	if snap := c.State("legal:low", domain.ProviderAWS); snap.Alpha != 2 {
		t.Errorf("expected legal:low to be untouched, got %+v", snap)
	}
}

func TestResetWithEmptyBucketClearsEverything(t *testing.T) {
	c := New(1)
	c.Record("support:low", domain.ProviderAWS, true, 0.01, 50)
	c.Record("legal:low", domain.ProviderSearch, true, 0.01, 50)

	c.Reset("")

	if snap := c.State("support:low", domain.ProviderAWS); snap.Alpha != 1 {
		t.Errorf("expected global reset to clear support:low, got %+v", snap)
	}
	if snap := c.State("legal:low", domain.ProviderSearch); snap.Alpha != 1 {
		t.Errorf("expected global reset to clear legal:low, got %+v", snap)
	}
}

func TestSampleBetaStaysInUnitRange(t *testing.T) {
	rng := rngForTest()
	for i := 0; i < 1000; i++ {
		v := sampleBeta(rng, 2.5, 7.3)
		if v < 0 || v > 1 {
			t.Fatalf("Beta sample out of [0,1]: %f", v)
		}
	}
}

func TestSampleGammaIsPositive(t *testing.T) {
	rng := rngForTest()
	for i := 0; i < 1000; i++ {
		for _, shape := range []float64{0.2, 0.9, 1.0, 3.5, 10} {
			v := sampleGamma(rng, shape)
			if v < 0 {
				t.Fatalf("Gamma(%v) sample negative: %f", shape, v)
			}
		}
	}
}

// Package bandit implements a contextual Thompson-sampling bandit over
// providers, bucketed by a caller-supplied key (typically domain+budget
// tier) so a model that dominates one vertical cannot starve another.
package bandit

import (
	"math"
	"math/rand"
	"sync"

	"aiorchestrator/internal/domain"
)

// arm is one provider's Beta(alpha, beta) posterior plus running cost and
// latency statistics, updated with Welford's online algorithm.
type arm struct {
	mu sync.Mutex

	alpha float64
	beta  float64

	n          uint64
	costMean   float64
	costM2     float64
	latMean    float64
	latM2      float64
}

func newArm() *arm {
	return &arm{alpha: 1, beta: 1}
}

func (a *arm) sample(rng *rand.Rand) float64 {
	a.mu.Lock()
	alpha, beta := a.alpha, a.beta
	a.mu.Unlock()
	return sampleBeta(rng, alpha, beta)
}

func (a *arm) record(success bool, costEuro float64, latencyMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		a.alpha++
	} else {
		a.beta++
	}

	a.n++
	n := float64(a.n)

	costDelta := costEuro - a.costMean
	a.costMean += costDelta / n
	a.costM2 += costDelta * (costEuro - a.costMean)

	latDelta := float64(latencyMs) - a.latMean
	a.latMean += latDelta / n
	a.latM2 += latDelta * (float64(latencyMs) - a.latMean)
}

// Snapshot is a read-only view of one arm's state, for admin/health queries.
type Snapshot struct {
	Alpha           float64
	Beta            float64
	Samples         uint64
	AverageCostEuro float64
	AverageLatency  float64
}

func (a *arm) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Alpha:           a.alpha,
		Beta:            a.beta,
		Samples:         a.n,
		AverageCostEuro: a.costMean,
		AverageLatency:  a.latMean,
	}
}

// Controller is the per-bucket, per-provider Thompson sampler. A bucket is
// an opaque string key (the router combines domain and budget tier); the
// bandit itself is unaware of request content, only bucket and outcome.
type Controller struct {
	mu      sync.RWMutex
	buckets map[string]map[domain.Provider]*arm

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an empty Controller. seed fixes the sampling sequence for
// deterministic tests; production callers should pass a time-derived seed.
func New(seed int64) *Controller {
	return &Controller{
		buckets: make(map[string]map[domain.Provider]*arm),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (c *Controller) armFor(bucket string, provider domain.Provider) *arm {
	c.mu.RLock()
	providers, ok := c.buckets[bucket]
	if ok {
		a, ok := providers[provider]
		c.mu.RUnlock()
		if ok {
			return a
		}
	} else {
		c.mu.RUnlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	providers, ok = c.buckets[bucket]
	if !ok {
		providers = make(map[domain.Provider]*arm)
		c.buckets[bucket] = providers
	}
	a, ok := providers[provider]
	if !ok {
		a = newArm()
		providers[provider] = a
	}
	return a
}

// Choose draws one Beta sample per candidate provider in bucket and returns
// the provider with the largest draw. Candidates not yet observed in this
// bucket start from the uninformative Beta(1,1) prior.
func (c *Controller) Choose(bucket string, candidates []domain.Provider) domain.Provider {
	c.rngMu.Lock()
	rng := c.rng
	c.rngMu.Unlock()

	var best domain.Provider
	bestScore := -1.0
	for _, p := range candidates {
		score := c.armFor(bucket, p).sample(rng)
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	return best
}

// Record updates the bucket/provider arm with one observed outcome. success
// is the composite criterion computed by the caller (response succeeded,
// latency within SLA, non-trivial output) — the bandit itself never
// inspects response content.
func (c *Controller) Record(bucket string, provider domain.Provider, success bool, costEuro float64, latencyMs int64) {
	c.armFor(bucket, provider).record(success, costEuro, latencyMs)
}

// State returns a snapshot of one bucket/provider arm, or the Beta(1,1)
// prior with no samples if it has never been observed.
func (c *Controller) State(bucket string, provider domain.Provider) Snapshot {
	c.mu.RLock()
	providers, ok := c.buckets[bucket]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{Alpha: 1, Beta: 1}
	}
	a, ok := providers[provider]
	if !ok {
		return Snapshot{Alpha: 1, Beta: 1}
	}
	return a.snapshot()
}

// Reset clears one bucket's arms, or every bucket when bucket is empty.
func (c *Controller) Reset(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket == "" {
		c.buckets = make(map[string]map[domain.Provider]*arm)
		return
	}
	delete(c.buckets, bucket)
}

// sampleBeta draws from Beta(alpha, beta) via the standard two-Gamma-ratio
// construction: Beta(a,b) = X/(X+Y) where X ~ Gamma(a,1), Y ~ Gamma(b,1).
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang method
// for shape >= 1, boosted via Gamma(shape+1,1) * U^(1/shape) for shape < 1.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		g := sampleGamma(rng, shape+1)
		u := rng.Float64()
		if u <= 0 {
			u = 1e-12
		}
		return g * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)

	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		x2 := x * x
		if u < 1-0.0331*x2*x2 {
			return d * v
		}
		if math.Log(u) < 0.5*x2+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

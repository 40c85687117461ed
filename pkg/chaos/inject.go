// Request-path fault injection driven by the chaos switchboard
// Applies latency, CPU burn, and forced failures in a fixed order
package chaos

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Injection defaults.
const (
	DefaultLatencyMin       = 1 * time.Second
	DefaultLatencyMax       = 2 * time.Second
	DefaultCPUBurn          = 250 * time.Millisecond
	DefaultErrorProbability = 0.5
)

// Policy selects which faults a handler is subject to.
// AlwaysFail makes error_rate fail every request instead of flipping a coin.
type Policy struct {
	Latency    bool
	AlwaysFail bool
}

// Outcome records what the injector did to a request.
type Outcome struct {
	Delayed time.Duration
	Burned  time.Duration
	Failed  bool
}

// InjectorConfig tunes the injected faults.
type InjectorConfig struct {
	LatencyMin       time.Duration
	LatencyMax       time.Duration
	CPUBurn          time.Duration
	ErrorProbability float64
}

// DefaultInjectorConfig returns the reference fault magnitudes.
func DefaultInjectorConfig() InjectorConfig {
	return InjectorConfig{
		LatencyMin:       DefaultLatencyMin,
		LatencyMax:       DefaultLatencyMax,
		CPUBurn:          DefaultCPUBurn,
		ErrorProbability: DefaultErrorProbability,
	}
}

// Validate checks the configuration for consistent bounds.
func (c InjectorConfig) Validate() error {
	if c.LatencyMin < 0 || c.LatencyMax < c.LatencyMin {
		return fmt.Errorf("latency range %s-%s is invalid", c.LatencyMin, c.LatencyMax)
	}
	if c.CPUBurn < 0 {
		return fmt.Errorf("cpu burn must not be negative, got %s", c.CPUBurn)
	}
	if c.ErrorProbability < 0 || c.ErrorProbability > 1 {
		return fmt.Errorf("error probability must be between 0 and 1, got %g", c.ErrorProbability)
	}
	return nil
}

// Injector applies the faults enabled in a State. It is safe for concurrent
// use by request handlers.
type Injector struct {
	State  *State
	Config InjectorConfig

	// Float64 returns a value in [0, 1). Defaults to the locked global source.
	Float64 func() float64
	// Sleep suspends the caller. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// NewInjector returns an injector over state using cfg.
func NewInjector(state *State, cfg InjectorConfig) *Injector {
	return &Injector{State: state, Config: cfg}
}

func (in *Injector) float64() float64 {
	if in.Float64 != nil {
		return in.Float64()
	}
	return rand.Float64() //nolint:gosec // fault injection, not security-sensitive
}

// Delay suspends the caller for a random duration inside the latency range
// when latency mode is on. The sleep is not interrupted if the mode is
// switched off meanwhile.
func (in *Injector) Delay() time.Duration {
	if !in.State.Enabled(Latency) {
		return 0
	}
	span := in.Config.LatencyMax - in.Config.LatencyMin
	d := in.Config.LatencyMin + time.Duration(in.float64()*float64(span))
	if in.Sleep != nil {
		in.Sleep(d)
	} else {
		time.Sleep(d)
	}
	return d
}

// Burn spins the calling goroutine for the configured duration when
// cpu_stress is on. It must run inline on the serving goroutine.
func (in *Injector) Burn() time.Duration {
	if !in.State.Enabled(CPUStress) || in.Config.CPUBurn <= 0 {
		return 0
	}
	return BurnCPU(in.Config.CPUBurn)
}

// Fail reports whether the request should be failed. With error_rate off it
// never fails; with it on it fails always when always is set, otherwise with
// the configured probability.
func (in *Injector) Fail(always bool) bool {
	if !in.State.Enabled(ErrorRate) {
		return false
	}
	if always {
		return true
	}
	return in.float64() < in.Config.ErrorProbability
}

// Apply runs latency, CPU burn, and failure injection in that order.
func (in *Injector) Apply(p Policy) Outcome {
	var out Outcome
	if p.Latency {
		out.Delayed = in.Delay()
	}
	out.Burned = in.Burn()
	out.Failed = in.Fail(p.AlwaysFail)
	return out
}

// burnSink keeps the spin loop's result observable.
var burnSink atomic.Uint64

// BurnCPU busy-loops on floating point work until d has elapsed and returns
// the time actually spent.
func BurnCPU(d time.Duration) time.Duration {
	start := time.Now()
	acc := 1.0
	for i := 0; ; i++ {
		acc = math.Sqrt(acc*1.0000001 + float64(i&1023))
		if i&4095 == 0 && time.Since(start) >= d {
			break
		}
	}
	burnSink.Store(math.Float64bits(acc))
	return time.Since(start)
}

// Workload file types, loading, defaults, and validation
// Describes the catalog, restock rule, simulator cadence, fault magnitudes, and scenarios
package sim

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/shop"
	"gopkg.in/yaml.v3"
)

// Config is the top-level workload file.
type Config struct {
	Products  []ProductConfig  `yaml:"-"`
	Restock   *RestockConfig   `yaml:"restock,omitempty"`
	Simulator SimulatorConfig  `yaml:"simulator"`
	Chaos     ChaosConfig      `yaml:"chaos"`
	Scenarios []ScenarioConfig `yaml:"scenarios,omitempty"`
}

// rawConfig mirrors Config but keys products by name as in the YAML.
type rawConfig struct {
	Products  map[string]rawProductConfig `yaml:"products"`
	Restock   *RestockConfig              `yaml:"restock,omitempty"`
	Simulator SimulatorConfig             `yaml:"simulator"`
	Chaos     ChaosConfig                 `yaml:"chaos"`
	Scenarios []ScenarioConfig            `yaml:"scenarios,omitempty"`
}

type rawProductConfig struct {
	Price float64 `yaml:"price"`
	Stock int     `yaml:"stock"`
}

// ProductConfig describes one catalog entry.
type ProductConfig struct {
	Name  string
	Price float64
	Stock int
}

// RestockConfig is the restock rule. A low_water of 0 only restocks once
// stock has gone negative.
type RestockConfig struct {
	LowWater int `yaml:"low_water"`
	Level    int `yaml:"level"`
}

// SimulatorConfig sets the background traffic cadence.
type SimulatorConfig struct {
	Rate        string `yaml:"rate,omitempty"`
	StressRate  string `yaml:"stress_rate,omitempty"`
	ActiveUsers string `yaml:"active_users,omitempty"`
	LeakBlock   int    `yaml:"leak_block,omitempty"`
}

// ChaosConfig sets the magnitude of injected faults.
type ChaosConfig struct {
	Latency          string `yaml:"latency,omitempty"`
	CPUBurn          string `yaml:"cpu_burn,omitempty"`
	ErrorProbability string `yaml:"error_probability,omitempty"`
}

// ScenarioConfig switches chaos modes on for a window of the run.
type ScenarioConfig struct {
	Name     string   `yaml:"name"`
	At       string   `yaml:"at"`
	Duration string   `yaml:"duration"`
	Modes    []string `yaml:"modes"`
}

// Reference workload values.
const (
	DefaultRate        = "20/s"
	DefaultStressRate  = "10/s"
	DefaultActiveUsers = "200-5000"
	DefaultLatency     = "1s-2s"
	DefaultCPUBurn     = "250ms"
	DefaultErrorProb   = "50%"
	defaultStock       = 100
)

// DefaultConfig returns the reference shop: five products at 100 units, the
// 10/100 restock rule, and the reference cadence and fault magnitudes.
func DefaultConfig() *Config {
	cfg := &Config{
		Products: []ProductConfig{
			{Name: "headphones", Price: 150, Stock: defaultStock},
			{Name: "keyboard", Price: 75, Stock: defaultStock},
			{Name: "laptop", Price: 1200, Stock: defaultStock},
			{Name: "monitor", Price: 300, Stock: defaultStock},
			{Name: "phone", Price: 800, Stock: defaultStock},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads and parses a workload file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied workload path is expected
	if err != nil {
		return nil, fmt.Errorf("reading workload: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a workload document. Sections left out take their
// reference values; an empty product list takes the reference catalog.
func ParseConfig(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing workload: %w", err)
	}

	cfg := &Config{
		Restock:   raw.Restock,
		Simulator: raw.Simulator,
		Chaos:     raw.Chaos,
		Scenarios: raw.Scenarios,
	}

	names := make([]string, 0, len(raw.Products))
	for name := range raw.Products {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p := raw.Products[name]
		cfg.Products = append(cfg.Products, ProductConfig{Name: name, Price: p.Price, Stock: p.Stock})
	}
	if len(cfg.Products) == 0 {
		cfg.Products = DefaultConfig().Products
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Restock == nil {
		cfg.Restock = &RestockConfig{LowWater: shop.DefaultLowWater, Level: shop.DefaultRestockLevel}
	}
	s := &cfg.Simulator
	if s.Rate == "" {
		s.Rate = DefaultRate
	}
	if s.StressRate == "" {
		s.StressRate = DefaultStressRate
	}
	if s.ActiveUsers == "" {
		s.ActiveUsers = DefaultActiveUsers
	}
	if s.LeakBlock == 0 {
		s.LeakBlock = chaos.DefaultLeakBlockSize
	}
	c := &cfg.Chaos
	if c.Latency == "" {
		c.Latency = DefaultLatency
	}
	if c.CPUBurn == "" {
		c.CPUBurn = DefaultCPUBurn
	}
	if c.ErrorProbability == "" {
		c.ErrorProbability = DefaultErrorProb
	}
}

// Workload is a validated configuration resolved into runtime values.
type Workload struct {
	Products       []shop.Product
	Restock        shop.RestockPolicy
	Interval       time.Duration
	StressInterval time.Duration
	ActiveUsers    IntRange
	LeakBlock      int
	Injector       chaos.InjectorConfig
	Scenarios      []Scenario
}

// Resolve validates cfg and converts it into runtime values.
func Resolve(cfg *Config) (*Workload, error) {
	if len(cfg.Products) == 0 {
		return nil, fmt.Errorf("at least one product is required")
	}
	w := &Workload{}

	seen := make(map[string]bool, len(cfg.Products))
	for _, p := range cfg.Products {
		if seen[p.Name] {
			return nil, fmt.Errorf("product %q is defined twice", p.Name)
		}
		seen[p.Name] = true
		if p.Price <= 0 {
			return nil, fmt.Errorf("product %q: price must be positive", p.Name)
		}
		if p.Stock < 0 {
			return nil, fmt.Errorf("product %q: stock must not be negative", p.Name)
		}
		w.Products = append(w.Products, shop.Product{Name: p.Name, Price: p.Price, Stock: p.Stock})
	}

	if cfg.Restock != nil {
		w.Restock = shop.RestockPolicy{LowWater: cfg.Restock.LowWater, Level: cfg.Restock.Level}
	} else {
		w.Restock = shop.DefaultRestockPolicy()
	}
	if w.Restock.LowWater < 0 || w.Restock.Level <= w.Restock.LowWater {
		return nil, fmt.Errorf("restock level (%d) must exceed low_water (%d)", w.Restock.Level, w.Restock.LowWater)
	}

	rate, err := ParseRate(cfg.Simulator.Rate)
	if err != nil {
		return nil, fmt.Errorf("simulator rate: %w", err)
	}
	w.Interval = rate.Interval()

	stress, err := ParseRate(cfg.Simulator.StressRate)
	if err != nil {
		return nil, fmt.Errorf("simulator stress_rate: %w", err)
	}
	w.StressInterval = stress.Interval()

	w.ActiveUsers, err = ParseIntRange(cfg.Simulator.ActiveUsers)
	if err != nil {
		return nil, fmt.Errorf("simulator active_users: %w", err)
	}
	if w.ActiveUsers.Min < 0 {
		return nil, fmt.Errorf("simulator active_users must not be negative")
	}

	if cfg.Simulator.LeakBlock <= 0 {
		return nil, fmt.Errorf("simulator leak_block must be positive, got %d", cfg.Simulator.LeakBlock)
	}
	w.LeakBlock = cfg.Simulator.LeakBlock

	w.Injector.LatencyMin, w.Injector.LatencyMax, err = ParseSpan(cfg.Chaos.Latency)
	if err != nil {
		return nil, fmt.Errorf("chaos latency: %w", err)
	}
	w.Injector.CPUBurn, err = time.ParseDuration(strings.TrimSpace(cfg.Chaos.CPUBurn))
	if err != nil {
		return nil, fmt.Errorf("chaos cpu_burn: %w", err)
	}
	w.Injector.ErrorProbability, err = parseProbability(cfg.Chaos.ErrorProbability)
	if err != nil {
		return nil, fmt.Errorf("chaos error_probability: %w", err)
	}
	if err := w.Injector.Validate(); err != nil {
		return nil, fmt.Errorf("chaos: %w", err)
	}

	w.Scenarios, err = BuildScenarios(cfg.Scenarios)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ValidateConfig checks a workload for structural correctness.
func ValidateConfig(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// parseProbability parses a percentage like "50%" or a fraction like "0.5".
func parseProbability(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid probability %q: %w", pct, err)
		}
		if v < 0 || v > 100 {
			return 0, fmt.Errorf("probability must be between 0%% and 100%%")
		}
		return v / 100, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid probability %q: %w", s, err)
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("probability without %% must be between 0.0 and 1.0")
	}
	return v, nil
}

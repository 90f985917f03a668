// Package instruments holds the static per-symbol contract constants the
// execution core sizes and validates against. The catalog is read-only after
// initialization and safe to share across goroutines.
package instruments

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Class groups instruments with shared validation bounds.
type Class string

const (
	ClassForex  Class = "forex"
	ClassMetal  Class = "metal"
	ClassIndex  Class = "index"
	ClassCrypto Class = "crypto"
)

// Spec describes one tradable instrument.
type Spec struct {
	Symbol         string  `yaml:"symbol"`
	Class          Class   `yaml:"class"`
	PipSize        float64 `yaml:"pip_size"`
	ContractSize   float64 `yaml:"contract_size"`
	PipValuePerLot float64 `yaml:"pip_value_per_lot"` // account currency per pip for 1.0 lot
	MinLot         float64 `yaml:"min_lot"`
	MaxLot         float64 `yaml:"max_lot"`
	LotStep        float64 `yaml:"lot_step"`
	HighRisk       bool    `yaml:"high_risk"`
}

// PipsBetween converts an absolute price distance into pip units.
func (s Spec) PipsBetween(a, b float64) float64 {
	if s.PipSize <= 0 {
		return 0
	}
	return math.Abs(a-b) / s.PipSize
}

// RoundLot floors a raw lot size to the instrument's lot step.
func (s Spec) RoundLot(lot float64) float64 {
	if s.LotStep <= 0 {
		return lot
	}
	steps := math.Floor(lot/s.LotStep + 1e-9)
	return steps * s.LotStep
}

// IsCrypto reports whether the instrument trades around the clock.
func (s Spec) IsCrypto() bool {
	return s.Class == ClassCrypto
}

// Catalog is the immutable symbol -> Spec lookup table.
type Catalog struct {
	specs map[string]Spec
}

type catalogFile struct {
	Instruments []Spec `yaml:"instruments"`
}

// Load reads the instrument catalog from a YAML file. When the file does not
// exist the built-in defaults are returned so the core can start without
// external configuration.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return nil, fmt.Errorf("read instruments file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments file: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, fmt.Errorf("instruments file %s contains no instruments", path)
	}

	specs := make(map[string]Spec, len(file.Instruments))
	for _, s := range file.Instruments {
		if err := validateSpec(s); err != nil {
			return nil, fmt.Errorf("instrument %s: %w", s.Symbol, err)
		}
		specs[strings.ToUpper(s.Symbol)] = s
	}
	return &Catalog{specs: specs}, nil
}

func validateSpec(s Spec) error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("missing symbol")
	case s.PipSize <= 0:
		return fmt.Errorf("pip_size must be positive")
	case s.PipValuePerLot <= 0:
		return fmt.Errorf("pip_value_per_lot must be positive")
	case s.MinLot <= 0 || s.MaxLot < s.MinLot:
		return fmt.Errorf("invalid lot bounds [%v, %v]", s.MinLot, s.MaxLot)
	case s.LotStep <= 0:
		return fmt.Errorf("lot_step must be positive")
	}
	return nil
}

// Get returns the spec for a symbol, case-insensitively.
func (c *Catalog) Get(symbol string) (Spec, bool) {
	s, ok := c.specs[strings.ToUpper(symbol)]
	return s, ok
}

// Has reports whether the symbol is a known instrument.
func (c *Catalog) Has(symbol string) bool {
	_, ok := c.specs[strings.ToUpper(symbol)]
	return ok
}

// Symbols returns all catalog symbols in sorted order.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.specs))
	for sym := range c.specs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Defaults returns the compiled-in catalog covering the majors plus the
// high-volume metal and crypto pairs the terminal supports out of the box.
func Defaults() *Catalog {
	list := []Spec{
		{Symbol: "EURUSD", Class: ClassForex, PipSize: 0.0001, ContractSize: 100000, PipValuePerLot: 10, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "GBPUSD", Class: ClassForex, PipSize: 0.0001, ContractSize: 100000, PipValuePerLot: 10, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "AUDUSD", Class: ClassForex, PipSize: 0.0001, ContractSize: 100000, PipValuePerLot: 10, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "NZDUSD", Class: ClassForex, PipSize: 0.0001, ContractSize: 100000, PipValuePerLot: 10, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "USDCAD", Class: ClassForex, PipSize: 0.0001, ContractSize: 100000, PipValuePerLot: 10, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "USDCHF", Class: ClassForex, PipSize: 0.0001, ContractSize: 100000, PipValuePerLot: 10, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "USDJPY", Class: ClassForex, PipSize: 0.01, ContractSize: 100000, PipValuePerLot: 9.1, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "EURJPY", Class: ClassForex, PipSize: 0.01, ContractSize: 100000, PipValuePerLot: 9.1, MinLot: 0.01, MaxLot: 100, LotStep: 0.01},
		{Symbol: "GBPJPY", Class: ClassForex, PipSize: 0.01, ContractSize: 100000, PipValuePerLot: 9.1, MinLot: 0.01, MaxLot: 100, LotStep: 0.01, HighRisk: true},
		{Symbol: "XAUUSD", Class: ClassMetal, PipSize: 0.1, ContractSize: 100, PipValuePerLot: 10, MinLot: 0.01, MaxLot: 50, LotStep: 0.01, HighRisk: true},
		{Symbol: "XAGUSD", Class: ClassMetal, PipSize: 0.01, ContractSize: 5000, PipValuePerLot: 50, MinLot: 0.01, MaxLot: 50, LotStep: 0.01, HighRisk: true},
		{Symbol: "BTCUSD", Class: ClassCrypto, PipSize: 1, ContractSize: 1, PipValuePerLot: 1, MinLot: 0.01, MaxLot: 5, LotStep: 0.01, HighRisk: true},
		{Symbol: "ETHUSD", Class: ClassCrypto, PipSize: 0.1, ContractSize: 1, PipValuePerLot: 0.1, MinLot: 0.01, MaxLot: 50, LotStep: 0.01, HighRisk: true},
	}

	specs := make(map[string]Spec, len(list))
	for _, s := range list {
		specs[s.Symbol] = s
	}
	return &Catalog{specs: specs}
}

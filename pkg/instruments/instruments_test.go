package instruments

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	catalog, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !catalog.Has("EURUSD") {
		t.Fatal("defaults missing EURUSD")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instruments.yaml")
	content := `instruments:
  - symbol: EURUSD
    class: forex
    pip_size: 0.0001
    contract_size: 100000
    pip_value_per_lot: 10
    min_lot: 0.01
    max_lot: 100
    lot_step: 0.01
  - symbol: btcusd
    class: crypto
    pip_size: 1
    contract_size: 1
    pip_value_per_lot: 1
    min_lot: 0.01
    max_lot: 5
    lot_step: 0.01
    high_risk: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	catalog, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := catalog.Symbols(); len(got) != 2 {
		t.Fatalf("symbols = %v, want 2 entries", got)
	}

	// Lookups are case-insensitive; keys are stored upper-cased.
	spec, ok := catalog.Get("BtcUsd")
	if !ok {
		t.Fatal("BTCUSD not found")
	}
	if !spec.HighRisk || !spec.IsCrypto() {
		t.Fatalf("spec wrong: %+v", spec)
	}
}

func TestLoadRejectsBadSpec(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no instruments", "instruments: []\n"},
		{"missing symbol", "instruments:\n  - pip_size: 0.0001\n    pip_value_per_lot: 10\n    min_lot: 0.01\n    max_lot: 1\n    lot_step: 0.01\n"},
		{"zero pip size", "instruments:\n  - symbol: EURUSD\n    pip_value_per_lot: 10\n    min_lot: 0.01\n    max_lot: 1\n    lot_step: 0.01\n"},
		{"inverted lot bounds", "instruments:\n  - symbol: EURUSD\n    pip_size: 0.0001\n    pip_value_per_lot: 10\n    min_lot: 1\n    max_lot: 0.01\n    lot_step: 0.01\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPipsBetween(t *testing.T) {
	spec, _ := Defaults().Get("EURUSD")
	if got := spec.PipsBetween(1.0800, 1.0780); math.Abs(got-20) > 1e-9 {
		t.Fatalf("PipsBetween = %v, want 20", got)
	}
	if got := spec.PipsBetween(1.0780, 1.0800); math.Abs(got-20) > 1e-9 {
		t.Fatalf("PipsBetween reversed = %v, want 20", got)
	}
}

func TestRoundLotFloors(t *testing.T) {
	spec, _ := Defaults().Get("EURUSD")
	cases := []struct {
		in, want float64
	}{
		{0.0617, 0.06},
		{0.5, 0.5},
		{0.019, 0.01},
		{0.0099, 0},
	}
	for _, tc := range cases {
		if got := spec.RoundLot(tc.in); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("RoundLot(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

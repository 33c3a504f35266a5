package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	body := []byte("tick_rate_hz: 60\nconsensus:\n  quorum: 6\n  validity_window_ms: 2000\n  shards: 8\n")
	if err := os.WriteFile(p, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tn, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tn.TickRateHz != 60 {
		t.Fatalf("tick_rate_hz: got %d want 60", tn.TickRateHz)
	}
	if tn.Consensus.Quorum != 6 || tn.Consensus.ValidityWindowMs != 2000 {
		t.Fatalf("consensus not overridden: %+v", tn.Consensus)
	}
	// Untouched sections keep defaults.
	if tn.Prediction.InputRingCapacity != 100 {
		t.Fatalf("prediction defaults lost: %+v", tn.Prediction)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("consensus:\n  quorum: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error for quorum=1")
	}
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

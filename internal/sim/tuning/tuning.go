package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`

	Replication Replication `yaml:"replication"`
	Prediction  Prediction  `yaml:"prediction"`
	Consensus   Consensus   `yaml:"consensus"`
}

type Replication struct {
	BudgetBytesPerTick int     `yaml:"budget_bytes_per_tick"`
	StalenessWeight    float64 `yaml:"staleness_weight"`
	// ScaleBudgetByLoss shrinks the per-tick budget as the packet loss
	// EMA rises.
	ScaleBudgetByLoss bool `yaml:"scale_budget_by_loss"`
}

type Prediction struct {
	InputRingCapacity   int `yaml:"input_ring_capacity"`
	CorrectionQueueSize int `yaml:"correction_queue_size"`
}

type Consensus struct {
	Quorum           int     `yaml:"quorum"`
	ValidityWindowMs int     `yaml:"validity_window_ms"`
	Shards           int     `yaml:"shards"`
	// DisagreementTolerance is the max distance between a resolved
	// consensus position and the authoritative position before the
	// target is flagged.
	DisagreementTolerance float64 `yaml:"disagreement_tolerance"`
	SweepEveryTicks       int     `yaml:"sweep_every_ticks"`
}

func Default() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      30,
		Replication: Replication{
			BudgetBytesPerTick: 64 * 1024,
			StalenessWeight:    1.0,
			ScaleBudgetByLoss:  true,
		},
		Prediction: Prediction{
			InputRingCapacity:   100,
			CorrectionQueueSize: 32,
		},
		Consensus: Consensus{
			Quorum:                4,
			ValidityWindowMs:      5000,
			Shards:                16,
			DisagreementTolerance: 25.0,
			SweepEveryTicks:       30,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, t.validate()
}

func (t Tuning) validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive, got %d", t.TickRateHz)
	}
	if t.Replication.BudgetBytesPerTick <= 0 {
		return fmt.Errorf("budget_bytes_per_tick must be positive, got %d", t.Replication.BudgetBytesPerTick)
	}
	if t.Replication.StalenessWeight < 0 {
		return fmt.Errorf("staleness_weight must be non-negative, got %v", t.Replication.StalenessWeight)
	}
	if t.Consensus.Quorum < 2 {
		return fmt.Errorf("consensus quorum must be at least 2, got %d", t.Consensus.Quorum)
	}
	if t.Consensus.Shards <= 0 {
		return fmt.Errorf("consensus shards must be positive, got %d", t.Consensus.Shards)
	}
	if t.Prediction.InputRingCapacity <= 0 {
		return fmt.Errorf("input_ring_capacity must be positive, got %d", t.Prediction.InputRingCapacity)
	}
	return nil
}

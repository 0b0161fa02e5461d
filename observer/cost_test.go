package observer

import "testing"

func TestCostCalculator(t *testing.T) {
	c := NewCostCalculator(nil)

	tests := []struct {
		model  string
		input  int
		output int
		want   float64
	}{
		{"gpt-4o-mini", 1_000_000, 0, 0.15},
		{"gpt-4o-mini", 0, 1_000_000, 0.60},
		{"text-embedding-3-small", 1_000_000, 0, 0.02},
		{"unknown-model", 1_000_000, 1_000_000, 0.0},
	}
	for _, tt := range tests {
		got := c.Calculate(tt.model, tt.input, tt.output)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("Calculate(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
		}
	}
}

func TestCostCalculatorOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"gpt-4o-mini": {1.00, 2.00},
	})
	got := c.Calculate("gpt-4o-mini", 1_000_000, 1_000_000)
	if got != 3.00 {
		t.Errorf("override pricing = %f, want 3.00", got)
	}
}

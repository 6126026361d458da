package plan

import (
	"errors"
	"testing"
)

func TestTierFeatures(t *testing.T) {
	tests := []struct {
		tier    Tier
		feature Feature
		want    bool
	}{
		{TierFree, FeatureAutoExecute, false},
		{TierFree, FeatureStyleLearning, false},
		{TierPro, FeatureAutoExecute, true},
		{TierPro, FeatureAutoSend, false},
		{TierBusiness, FeatureAutoSend, true},
		{TierBusiness, FeatureEditLearning, true},
		{Tier("enterprise"), FeatureAutoExecute, false},
	}
	for _, tt := range tests {
		if got := tt.tier.Has(tt.feature); got != tt.want {
			t.Errorf("%s.Has(%s) = %v, want %v", tt.tier, tt.feature, got, tt.want)
		}
	}
}

func TestCheckReturnsTypedError(t *testing.T) {
	err := TierPro.Check(FeatureAutoSend)
	var unavailable *FeatureUnavailableError
	if !errors.As(err, &unavailable) || unavailable.Feature != FeatureAutoSend {
		t.Fatalf("err = %v", err)
	}
	if err := TierBusiness.Check(FeatureAutoSend); err != nil {
		t.Fatalf("business should allow auto send: %v", err)
	}
}

func TestParseTier(t *testing.T) {
	if _, err := ParseTier("pro"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseTier("gold"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

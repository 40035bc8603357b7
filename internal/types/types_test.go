package types

import "testing"

func TestComplexityTierOrdering(t *testing.T) {
	if !(ComplexityTrivial < ComplexitySimple && ComplexitySimple < ComplexityModerate &&
		ComplexityModerate < ComplexityComplex && ComplexityComplex < ComplexityExpert) {
		t.Fatal("complexity tier ordering is not total")
	}
	if !(RiskStandard < RiskElevated && RiskElevated < RiskCritical) {
		t.Fatal("risk tier ordering is not total")
	}
}

func TestComplexityClamp(t *testing.T) {
	cases := []struct {
		in   ComplexityTier
		want ComplexityTier
	}{
		{ComplexityTrivial - 1, ComplexityTrivial},
		{ComplexityExpert + 1, ComplexityExpert},
		{ComplexityModerate, ComplexityModerate},
	}
	for _, tc := range cases {
		if got := tc.in.Clamp(); got != tc.want {
			t.Fatalf("Clamp(%d) = %v, want %v", int(tc.in), got, tc.want)
		}
	}
}

func TestTierStrings(t *testing.T) {
	for _, tier := range AllModelTiers() {
		if tier.String() == "unknown" {
			t.Fatalf("tier %d has no name", int(tier))
		}
	}
	if ModelTier(0).String() != "unknown" {
		t.Fatal("zero model tier should be unknown")
	}
}

func TestNewRequest(t *testing.T) {
	req := NewRequest("chat", "hello there", []string{".go"})
	if req.ID == "" {
		t.Fatal("request ID not assigned")
	}
	if req.ModeOverride != nil {
		t.Fatal("fresh request should carry no override")
	}

	over := req.WithOverride(ModeCloudOnly)
	if over.ModeOverride == nil || *over.ModeOverride != ModeCloudOnly {
		t.Fatalf("override not applied: %#v", over.ModeOverride)
	}
	if req.ModeOverride != nil {
		t.Fatal("WithOverride mutated the original request")
	}
}

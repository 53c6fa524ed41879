package services

import (
	"reflect"
	"testing"
)

func TestGenerateNearbySuggestions(t *testing.T) {
	fx := newAddressFixture(t, notFoundProvider("a"), notFoundProvider("b"), nil)

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "dense prefix first",
			raw:  "01310100",
			want: []string{"01310200", "01310300", "01310110", "01310090", "01310150"},
		},
		{
			name: "dense entry equal to input is skipped",
			raw:  "39688-000",
			want: []string{"39688010", "39687990", "39688050", "39687950", "39688100"},
		},
		{
			name: "lower bound",
			raw:  "00000005",
			want: []string{"00000015", "00000055", "00000105"},
		},
		{
			name: "upper bound",
			raw:  "99999995",
			want: []string{"99999985", "99999945", "99999895"},
		},
		{
			name: "malformed",
			raw:  "123",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fx.svc.GenerateNearbySuggestions(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if len(got) > maxNearbySuggestions {
				t.Fatalf("too many suggestions: %d", len(got))
			}
		})
	}
}

func TestNearbyPostalCodesDeduplicates(t *testing.T) {
	dense := map[string][]string{"12345": {"12345010", "12345-010", "1234"}}
	got := nearbyPostalCodes(dense, "12345000")
	want := []string{"12345010", "12344990", "12345050", "12344950", "12345100"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

package registry

import (
	"reflect"
	"testing"
)

func TestParseTagGroups(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"cheap", []string{"cheap"}},
		{"cheap&fast,premium", []string{"cheap&fast", "premium"}},
		{" cheap , fast ", []string{"cheap", "fast"}},
		{"a,,b", []string{"a", "b"}},
	}
	for _, tc := range cases {
		if got := ParseTagGroups(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseTagGroups(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func filterNames(models []Model) []string {
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	return names
}

func TestFilterTagDNF(t *testing.T) {
	r := loadTestRegistry(t, nil)

	// Single group, single tag.
	got := filterNames(r.Filter(FilterCriteria{Tags: []string{"cheap"}}))
	if !reflect.DeepEqual(got, []string{"gpt-4o-mini", "deepseek-chat"}) {
		t.Fatalf("cheap = %v", got)
	}

	// Conjunction inside a group.
	got = filterNames(r.Filter(FilterCriteria{Tags: []string{"cheap&general"}}))
	if !reflect.DeepEqual(got, []string{"gpt-4o-mini"}) {
		t.Fatalf("cheap&general = %v", got)
	}

	// Disjunction across groups; premium only matches a disabled model.
	got = filterNames(r.Filter(FilterCriteria{Tags: []string{"general", "premium"}}))
	if !reflect.DeepEqual(got, []string{"gpt-4o-mini"}) {
		t.Fatalf("general,premium = %v", got)
	}

	if got := r.Filter(FilterCriteria{Tags: []string{"nonexistent"}}); len(got) != 0 {
		t.Fatalf("nonexistent tag matched %v", filterNames(got))
	}
}

func TestFilterCapabilitiesAndSizes(t *testing.T) {
	r := loadTestRegistry(t, nil)

	got := filterNames(r.Filter(FilterCriteria{SupportsVision: true}))
	if !reflect.DeepEqual(got, []string{"gpt-4o-mini"}) {
		t.Fatalf("vision = %v (disabled models must not match)", got)
	}

	got = filterNames(r.Filter(FilterCriteria{JSONResponse: true}))
	if !reflect.DeepEqual(got, []string{"deepseek-chat"}) {
		t.Fatalf("json = %v", got)
	}

	got = filterNames(r.Filter(FilterCriteria{MinContextSize: 100000}))
	if !reflect.DeepEqual(got, []string{"gpt-4o-mini"}) {
		t.Fatalf("min context = %v", got)
	}

	got = filterNames(r.Filter(FilterCriteria{Type: TypeFast, Provider: "deepseek"}))
	if !reflect.DeepEqual(got, []string{"deepseek-chat"}) {
		t.Fatalf("type+provider = %v", got)
	}

	// No criteria: every available model.
	if got := r.Filter(FilterCriteria{}); len(got) != 2 {
		t.Fatalf("unfiltered = %v", filterNames(got))
	}
}

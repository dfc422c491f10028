package k8sdiscovery

import (
	"testing"

	discoveryv1 "k8s.io/api/discovery/v1"
)

func boolPtr(b bool) *bool   { return &b }
func int32Ptr(i int32) *int32 { return &i }

func TestReadyTargets_FiltersNotReady(t *testing.T) {
	slices := []*discoveryv1.EndpointSlice{
		{
			Ports: []discoveryv1.EndpointPort{{Port: int32Ptr(8080)}},
			Endpoints: []discoveryv1.Endpoint{
				{Addresses: []string{"10.0.0.1"}, Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(true)}},
				{Addresses: []string{"10.0.0.2"}, Conditions: discoveryv1.EndpointConditions{Ready: boolPtr(false)}},
				{Addresses: []string{"10.0.0.3"}}, // nil Ready treated as ready
			},
		},
	}

	targets := readyTargets(slices)
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2", len(targets))
	}
	for _, tgt := range targets {
		if tgt.Port != 8080 {
			t.Errorf("Port = %d, want 8080", tgt.Port)
		}
		if tgt.IP == "10.0.0.2" {
			t.Error("readyTargets included a not-ready endpoint")
		}
	}
}

func TestReadyTargets_SkipsPortlessEntries(t *testing.T) {
	slices := []*discoveryv1.EndpointSlice{
		{
			Ports: []discoveryv1.EndpointPort{{Port: nil}},
			Endpoints: []discoveryv1.Endpoint{
				{Addresses: []string{"10.0.0.1"}},
			},
		},
	}

	if targets := readyTargets(slices); len(targets) != 0 {
		t.Errorf("len(targets) = %d, want 0", len(targets))
	}
}

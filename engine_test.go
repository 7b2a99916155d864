package tea

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"
)

func testEngine(t *testing.T, resolver ASNResolver) *Engine {
	t.Helper()
	conf := Configuration{
		Database:       filepath.Join(t.TempDir(), "tea.db"),
		SubnetBits:     24,
		MaxSubnets:     50,
		LookupWorkers:  1,
		StaleTolerance: 5 * time.Minute,
	}
	return NewEngine(conf, resolver)
}

func TestEngineRun(t *testing.T) {
	resolver := &fakeResolver{
		records: map[netip.Prefix]ASNRecord{
			netip.MustParsePrefix("8.8.8.0/24"): {
				Number: "15169", Name: "GOOGLE",
				Subnet: netip.MustParsePrefix("8.8.8.0/24"),
			},
		},
	}
	engine := testEngine(t, resolver)

	observations := []Observation{
		{IP: "8.8.8.8", Hostname: "dns.google"},
		{IP: "8.8.4.4"},
		{IP: "not-an-ip"},
	}
	details := map[string]HostDetail{
		"8.8.8.8": {
			Ports: []int{53},
			Services: []Service{
				{Port: 443, Protocol: "tcp", Service: "https", Vulns: []string{"CVE-2014-0160"}},
			},
		},
	}

	report, err := engine.Run(context.Background(), "google.com", observations, details)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Hosts != 2 || report.Skipped != 1 {
		t.Fatalf("expected 2 hosts and 1 skip, got %+v", report)
	}
	if !report.Save.Complete() {
		t.Fatalf("expected a complete save, got %d failed row(s)", report.Save.FailedRows())
	}
	if report.Run.ID == 0 || report.Run.FinishedAt == nil {
		t.Error("expected a recorded, finished run")
	}

	hosts, err := engine.Exposure()
	if err != nil {
		t.Fatalf("failed to load exposure: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 stored hosts, got %d", len(hosts))
	}

	var dns, other *Host
	for _, h := range hosts {
		if h.IP == "8.8.8.8" {
			dns = h
		} else {
			other = h
		}
	}

	if dns.Domain != "google.com" {
		t.Errorf("expected the run domain, got %q", dns.Domain)
	}
	if dns.ASN == nil || dns.ASN.Number != "15169" {
		t.Errorf("expected AS15169, got %v", dns.ASN)
	}
	if len(dns.Ports) != 2 {
		t.Fatalf("expected ports 53 and 443, got %v", dns.Ports)
	}
	if len(dns.Ports[1].Vulns) != 1 {
		t.Errorf("expected the vuln stored, got %v", dns.Ports[1].Vulns)
	}

	// unresolvable hosts are stored without an ASN
	if other.ASN != nil {
		t.Errorf("expected %s unassigned, got %v", other.IP, other.ASN)
	}

	staleness, err := engine.Classify()
	if err != nil {
		t.Fatalf("failed to classify: %v", err)
	}
	if staleness.HostTotals.New != 2 || staleness.HostTotals.Stale != 0 {
		t.Errorf("expected everything new after one run, got %+v", staleness.HostTotals)
	}
}

func TestEngineSecondRunMerges(t *testing.T) {
	resolver := &fakeResolver{records: map[netip.Prefix]ASNRecord{}}
	engine := testEngine(t, resolver)
	ctx := context.Background()

	if _, err := engine.Run(ctx, "google.com",
		[]Observation{{IP: "8.8.8.8", Hostname: "dns.google"}},
		map[string]HostDetail{"8.8.8.8": {Ports: []int{53}}},
	); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	before, err := engine.Exposure("8.8.8.8")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if _, err := engine.Run(ctx, "google.com",
		[]Observation{{IP: "8.8.8.8", Hostname: "dns2.google"}},
		map[string]HostDetail{"8.8.8.8": {Ports: []int{443}}},
	); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	after, err := engine.Exposure("8.8.8.8")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	got := after[0]

	if len(got.Hostnames) != 2 {
		t.Errorf("expected hostnames from both runs, got %v", got.Hostnames)
	}
	if len(got.Ports) != 2 {
		t.Errorf("expected ports from both runs, got %v", got.Ports)
	}
	if !got.CreatedAt.Equal(before[0].CreatedAt) {
		t.Errorf("expected created_at from the first run, got %v", got.CreatedAt)
	}
	if !got.ModifiedAt.After(before[0].ModifiedAt) {
		t.Errorf("expected modified_at moved by the second run, got %v", got.ModifiedAt)
	}
}

func TestEngineDiscover(t *testing.T) {
	resolver := &fakeResolver{
		records: map[netip.Prefix]ASNRecord{
			netip.MustParsePrefix("8.8.8.0/24"): {
				Number: "15169", Name: "GOOGLE",
				Subnet: netip.MustParsePrefix("8.8.8.0/24"),
			},
		},
	}
	engine := testEngine(t, resolver)

	report, err := engine.Discover(context.Background(), "google.com",
		[]Observation{{IP: "8.8.8.8", Hostname: "dns.google"}})
	if err != nil {
		t.Fatalf("discovery failed: %v", err)
	}
	if report.Save.Hosts.Saved != 1 || report.Save.Ports.Saved != 0 {
		t.Fatalf("expected hosts only, got %+v", report.Save)
	}

	hosts, err := engine.Exposure()
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if hosts[0].ASN == nil {
		t.Error("expected discovery to resolve the ASN")
	}
	if len(hosts[0].Ports) != 0 {
		t.Errorf("expected no ports from discovery, got %v", hosts[0].Ports)
	}
}

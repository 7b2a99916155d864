package tea

import (
	"net/netip"
	"testing"
	"time"
)

type hostTester struct {
	ip    string
	valid bool
	// canonical form after parsing
	want string
}

func (t *hostTester) runTest(test *testing.T, name string) {
	host, err := NewHost(t.ip)
	if !t.valid {
		if err == nil {
			test.Errorf("[%s] expected validation error for %q", name, t.ip)
		}
		return
	}

	if err != nil {
		test.Errorf("[%s] failed to build host: %v", name, err)
		return
	}
	if host.IP != t.want {
		test.Errorf("[%s] expected %q, got %q", name, t.want, host.IP)
	}
	if host.CreatedAt.IsZero() || !host.CreatedAt.Equal(host.ModifiedAt) {
		test.Errorf("[%s] expected matching creation stamps", name)
	}
}

var hostTests = map[string]*hostTester{
	"plain":        {ip: "8.8.8.8", valid: true, want: "8.8.8.8"},
	"private":      {ip: "10.0.0.1", valid: true, want: "10.0.0.1"},
	"ipv6":         {ip: "2001:db8::1", valid: false},
	"hostname":     {ip: "dns.google", valid: false},
	"empty":        {ip: "", valid: false},
	"octet-range":  {ip: "300.1.2.3", valid: false},
	"mapped-ipv6":  {ip: "::ffff:8.8.8.8", valid: false},
	"with-garbage": {ip: "8.8.8.8/24", valid: false},
}

func TestNewHost(t *testing.T) {
	for tname, cfg := range hostTests {
		cfg.runTest(t, tname)
	}
}

func TestHostPorts(t *testing.T) {
	host, err := NewHost("1.2.3.4")
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}

	if err := host.AddPorts([]int{443, 80, 443}); err != nil {
		t.Fatalf("failed to add ports: %v", err)
	}
	if len(host.Ports) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(host.Ports))
	}
	if host.Ports[0].Number != 80 || host.Ports[1].Number != 443 {
		t.Errorf("expected sorted ports, got %d,%d", host.Ports[0].Number, host.Ports[1].Number)
	}

	// invalid numbers are rejected without affecting siblings
	if err := host.AddPorts([]int{22, 0, 70000}); err == nil {
		t.Error("expected an error for out-of-range ports")
	}
	if len(host.Ports) != 3 {
		t.Errorf("expected 3 ports after partial add, got %d", len(host.Ports))
	}

	// re-adding returns the existing object for enrichment
	p, err := host.AddPort(80)
	if err != nil {
		t.Fatalf("failed to re-add port: %v", err)
	}
	if p != host.PortByNumber(80) {
		t.Error("expected the existing port object back")
	}
}

func TestHostHostnames(t *testing.T) {
	host, _ := NewHost("1.2.3.4")

	host.AddHostname("a.example.com")
	host.AddHostname("a.example.com")
	host.AddHostname("")
	host.AddHostnames([]string{"b.example.com", "a.example.com"})

	if len(host.Hostnames) != 2 {
		t.Fatalf("expected 2 hostnames, got %v", host.Hostnames)
	}
}

func TestHostTouch(t *testing.T) {
	host, _ := NewHost("1.2.3.4")
	port, _ := host.AddPort(22)
	port.AddVuln("CVE-2024-6387")

	stamp := time.Now().Add(time.Hour)
	host.Touch(stamp)

	if !host.ModifiedAt.Equal(stamp) {
		t.Error("expected host stamp to move")
	}
	if !port.ModifiedAt.Equal(stamp) || !port.Vulns[0].ModifiedAt.Equal(stamp) {
		t.Error("expected owned records to move with the host")
	}
	// both stamps match after a touch; storage keeps the original
	// created_at for rows that already exist
	if !host.CreatedAt.Equal(stamp) || !port.CreatedAt.Equal(stamp) {
		t.Error("expected creation stamps to match the touch")
	}
}

func TestASNSubnets(t *testing.T) {
	asn, err := NewASN("15169", "GOOGLE", "Google LLC")
	if err != nil {
		t.Fatalf("failed to build asn: %v", err)
	}

	asn.AddSubnet(netip.MustParsePrefix("8.8.8.0/24"))
	asn.AddSubnet(netip.MustParsePrefix("8.8.8.128/24")) // masks to the same prefix
	asn.AddSubnet(netip.MustParsePrefix("8.8.4.0/24"))

	if len(asn.Subnets) != 2 {
		t.Fatalf("expected 2 subnets, got %v", asn.Subnets)
	}
	if asn.Subnets[0].Addr().Compare(asn.Subnets[1].Addr()) >= 0 {
		t.Errorf("expected sorted subnets, got %v", asn.Subnets)
	}

	if !asn.Contains(netip.MustParseAddr("8.8.8.8")) {
		t.Error("expected 8.8.8.8 to be covered")
	}
	if asn.Contains(netip.MustParseAddr("9.9.9.9")) {
		t.Error("expected 9.9.9.9 to be outside")
	}

	if _, err := NewASN("", "", ""); err == nil {
		t.Error("expected an error for an empty AS number")
	}
}

func TestPortAttachments(t *testing.T) {
	port, err := NewPort(443)
	if err != nil {
		t.Fatalf("failed to build port: %v", err)
	}

	port.AddVuln("CVE-2014-0160")
	port.AddVuln("CVE-2014-0160")
	port.AddOpt("heartbleed", "vulnerable")
	port.AddOpt("heartbleed", "overwritten description is ignored")

	if len(port.Vulns) != 1 || len(port.Opts) != 1 {
		t.Fatalf("expected deduplicated attachments, got %d vulns, %d opts", len(port.Vulns), len(port.Opts))
	}
	if port.Opts[0].Description != "vulnerable" {
		t.Errorf("expected the first description to stick, got %q", port.Opts[0].Description)
	}

	if _, err := NewPort(0); err == nil {
		t.Error("expected an error for port 0")
	}
	if _, err := NewPort(65536); err == nil {
		t.Error("expected an error for port 65536")
	}
}

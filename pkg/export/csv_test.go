package export

import (
	"bytes"
	"encoding/csv"
	"net/netip"
	"testing"

	"github.com/tea"
)

func TestCSV(t *testing.T) {
	host, err := tea.NewHost("8.8.8.8")
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}
	host.Domain = "google.com"
	host.AddHostname("dns.google")

	asn, err := tea.NewASN("15169", "GOOGLE", "Google LLC")
	if err != nil {
		t.Fatalf("failed to build asn: %v", err)
	}
	asn.AddSubnet(netip.MustParsePrefix("8.8.8.0/24"))
	host.SetASN(asn)

	https, err := host.AddPort(443)
	if err != nil {
		t.Fatalf("failed to add port: %v", err)
	}
	https.Service = "https"
	https.AddVuln("CVE-2014-0160")
	if _, err := host.AddPort(53); err != nil {
		t.Fatalf("failed to add port: %v", err)
	}

	bare, err := tea.NewHost("1.1.1.1")
	if err != nil {
		t.Fatalf("failed to build host: %v", err)
	}

	var buf bytes.Buffer
	if err := CSV(&buf, []*tea.Host{host, bare}); err != nil {
		t.Fatalf("export failed: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("export is not valid csv: %v", err)
	}

	// header + one row per port + one row for the portless host
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if len(rows[0]) != len(rows[1]) {
		t.Fatal("expected header and rows to agree on width")
	}

	if rows[1][0] != "8.8.8.8" || rows[1][7] != "53" {
		t.Errorf("expected port 53 first, got %v", rows[1])
	}
	if rows[2][7] != "443" || rows[2][9] != "https" || rows[2][12] != "CVE-2014-0160" {
		t.Errorf("expected the https detail, got %v", rows[2])
	}
	if rows[1][4] != "15169" || rows[1][5] != "GOOGLE" {
		t.Errorf("expected the ASN columns, got %v", rows[1])
	}

	if rows[3][0] != "1.1.1.1" || rows[3][7] != "" {
		t.Errorf("expected a bare row for the portless host, got %v", rows[3])
	}
}

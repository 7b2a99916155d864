// Package export renders a stored exposure graph into flat files for
// spreadsheet triage.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tea"
)

var header = []string{
	"ip", "domain", "org", "os", "asn", "asn_name",
	"hostnames", "port", "protocol", "service", "banner", "http_status",
	"vulnerabilities", "findings",
	"created_at", "modified_at",
}

// CSV writes one row per host-port pair; a host with no recorded ports
// still gets a single row with the port columns empty.
func CSV(w io.Writer, hosts []*tea.Host) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return errors.Wrap(err, "failed to write header")
	}

	for _, host := range hosts {
		if len(host.Ports) == 0 {
			if err := cw.Write(hostRow(host, nil)); err != nil {
				return errors.Wrap(err, "failed to write row")
			}
			continue
		}
		for _, port := range host.Ports {
			if err := cw.Write(hostRow(host, port)); err != nil {
				return errors.Wrap(err, "failed to write row")
			}
		}
	}

	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush")
}

// CSVFile writes the graph to path, truncating any previous export
func CSVFile(path string, hosts []*tea.Host) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create export file")
	}
	defer f.Close()

	return CSV(f, hosts)
}

func hostRow(host *tea.Host, port *tea.Port) []string {
	var number, protocol, service, banner, status string
	var vulns, opts []string

	created, modified := host.CreatedAt, host.ModifiedAt
	if port != nil {
		number = strconv.Itoa(port.Number)
		protocol = port.Protocol
		service = port.Service
		banner = port.Banner
		if port.HTTPStatus != nil {
			status = strconv.Itoa(*port.HTTPStatus)
		}
		for _, v := range port.Vulns {
			vulns = append(vulns, v.Name)
		}
		for _, o := range port.Opts {
			opts = append(opts, o.Name)
		}
		created, modified = port.CreatedAt, port.ModifiedAt
	}

	var asn, asnName string
	if host.ASN != nil {
		asn = host.ASN.Number
		asnName = host.ASN.Name
	}

	return []string{
		host.IP, host.Domain, host.Org, host.OS, asn, asnName,
		strings.Join(host.Hostnames, " "),
		number, protocol, service, banner, status,
		strings.Join(vulns, " "),
		strings.Join(opts, " "),
		created.Format(time.RFC3339),
		modified.Format(time.RFC3339),
	}
}

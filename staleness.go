package tea

import "time"

// Freshness of a record relative to the latest scan. A record touched
// within the tolerance window of the newest write is current; current
// records split into ones first seen by that scan and ones it reaffirmed.
type Status string

const (
	StatusNew        Status = "new"
	StatusReaffirmed Status = "reaffirmed"
	StatusStale      Status = "stale"
)

type StatusCount struct {
	New        int
	Reaffirmed int
	Stale      int
}

func (c *StatusCount) add(s Status) {
	switch s {
	case StatusNew:
		c.New++
	case StatusReaffirmed:
		c.Reaffirmed++
	case StatusStale:
		c.Stale++
	}
}

func (c *StatusCount) merge(other StatusCount) {
	c.New += other.New
	c.Reaffirmed += other.Reaffirmed
	c.Stale += other.Stale
}

func (c StatusCount) Total() int {
	return c.New + c.Reaffirmed + c.Stale
}

func (c StatusCount) Current() int {
	return c.New + c.Reaffirmed
}

type HostStatus struct {
	IP     string
	Status Status
	Ports  StatusCount

	// Vulns counts vulnerabilities and findings together
	Vulns StatusCount
}

type StalenessReport struct {
	LatestScan time.Time
	Tolerance  time.Duration

	Hosts []HostStatus

	HostTotals StatusCount
	PortTotals StatusCount
	VulnTotals StatusCount
}

// LatestScan returns the newest modified timestamp anywhere in the graph.
// The zero time means the graph is empty.
func LatestScan(hosts []*Host) time.Time {
	var latest time.Time

	bump := func(t time.Time) {
		if t.After(latest) {
			latest = t
		}
	}

	for _, host := range hosts {
		bump(host.ModifiedAt)
		for _, port := range host.Ports {
			bump(port.ModifiedAt)
			for _, vuln := range port.Vulns {
				bump(vuln.ModifiedAt)
			}
			for _, opt := range port.Opts {
				bump(opt.ModifiedAt)
			}
		}
	}
	return latest
}

type classifier struct {
	latest    time.Time
	tolerance time.Duration
}

func (c classifier) status(created, modified time.Time) Status {
	if c.latest.Sub(modified) > c.tolerance {
		return StatusStale
	}
	// records first seen by a scan carry matching stamps; re-observed
	// records keep their original created_at and only move modified_at
	if !modified.After(created) {
		return StatusNew
	}
	return StatusReaffirmed
}

// Classify splits a hydrated graph into new, reaffirmed and stale records.
// The reference point is the graph's own newest write; entities modified
// within tolerance of it count as part of that scan. A single scan over a
// fresh database therefore reports everything as new.
func Classify(hosts []*Host, tolerance time.Duration) *StalenessReport {
	report := &StalenessReport{
		LatestScan: LatestScan(hosts),
		Tolerance:  tolerance,
	}
	c := classifier{latest: report.LatestScan, tolerance: tolerance}

	for _, host := range hosts {
		hs := HostStatus{
			IP:     host.IP,
			Status: c.status(host.CreatedAt, host.ModifiedAt),
		}
		report.HostTotals.add(hs.Status)

		for _, port := range host.Ports {
			hs.Ports.add(c.status(port.CreatedAt, port.ModifiedAt))
			for _, vuln := range port.Vulns {
				hs.Vulns.add(c.status(vuln.CreatedAt, vuln.ModifiedAt))
			}
			for _, opt := range port.Opts {
				hs.Vulns.add(c.status(opt.CreatedAt, opt.ModifiedAt))
			}
		}
		report.PortTotals.merge(hs.Ports)
		report.VulnTotals.merge(hs.Vulns)

		report.Hosts = append(report.Hosts, hs)
	}
	return report
}

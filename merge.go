package tea

import (
	"github.com/rs/zerolog/log"
)

// A candidate tuple produced by a discovery collaborator (DNS records,
// search-based lookup). Only the IP is required.
type Observation struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// Per-service detail from the host-detail collaborator
type Service struct {
	Port       int       `json:"port"`
	Protocol   string    `json:"protocol,omitempty"`
	Service    string    `json:"service,omitempty"`
	Banner     string    `json:"banner,omitempty"`
	HTTPStatus *int      `json:"httpStatus,omitempty"`
	Hostnames  []string  `json:"hostnames,omitempty"`
	Vulns      []string  `json:"vulnerabilities,omitempty"`
	Findings   []Finding `json:"findings,omitempty"`
}

type Finding struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Everything a host-detail lookup hands the engine for one host.
// HostVulns is the low-detail fallback shape: a host-wide vulnerability
// list with no per-port attribution. The source data does not support
// disambiguating it, so the engine attaches the same list to every port;
// treat those rows as host-level signal.
type HostDetail struct {
	Ports     []int     `json:"ports,omitempty"`
	Hostnames []string  `json:"hostnames,omitempty"`
	OS        string    `json:"os,omitempty"`
	Org       string    `json:"org,omitempty"`
	Services  []Service `json:"services,omitempty"`
	HostVulns []string  `json:"hostVulnerabilities,omitempty"`
}

// Exposure folds raw candidate observations into a minimal set of
// canonical hosts keyed by IP, preserving first-seen order.
type Exposure struct {
	hosts map[string]*Host
	order []string
}

func NewExposure() *Exposure {
	return &Exposure{hosts: make(map[string]*Host)}
}

func (e *Exposure) Len() int { return len(e.order) }

func (e *Exposure) Get(ip string) *Host { return e.hosts[ip] }

// Hosts returns the canonical hosts in first-seen order.
func (e *Exposure) Hosts() []*Host {
	hosts := make([]*Host, 0, len(e.order))
	for _, ip := range e.order {
		hosts = append(hosts, e.hosts[ip])
	}
	return hosts
}

// Track registers an already-built host, e.g. one loaded from storage.
// An existing entry for the same IP wins.
func (e *Exposure) Track(h *Host) *Host {
	if known, ok := e.hosts[h.IP]; ok {
		return known
	}
	e.hosts[h.IP] = h
	e.order = append(e.order, h.IP)
	return h
}

// Observe merges one candidate into the set. A new IP creates a host;
// a known IP is enriched in place. Hostname sets union, the domain is
// overwritten only by a non-empty value.
func (e *Exposure) Observe(obs Observation) (*Host, error) {
	host, ok := e.hosts[obs.IP]
	if !ok {
		h, err := NewHost(obs.IP)
		if err != nil {
			return nil, err
		}
		// NewHost canonicalizes the address string
		if known, exists := e.hosts[h.IP]; exists {
			host = known
		} else {
			e.hosts[h.IP] = h
			e.order = append(e.order, h.IP)
			host = h
		}
	}

	host.AddHostname(obs.Hostname)
	if obs.Domain != "" {
		host.Domain = obs.Domain
	}
	return host, nil
}

// Ingest feeds a batch of candidates through Observe. Malformed or
// non-IPv4 candidates are logged and skipped, never propagated.
// Returns the number of candidates skipped.
func (e *Exposure) Ingest(observations []Observation) int {
	var skipped int
	for _, obs := range observations {
		if _, err := e.Observe(obs); err != nil {
			log.Debug().Msgf("skipping candidate %q: %v", obs.IP, err)
			skipped++
		}
	}
	return skipped
}

// ApplyDetail merges host-detail collaborator output into a host.
// Scalar fields (os, org) are overwritten only when the detail supplies a
// non-empty value; hostname and port sets are unioned, never replaced.
func (e *Exposure) ApplyDetail(ip string, detail HostDetail) error {
	host, ok := e.hosts[ip]
	if !ok {
		h, err := NewHost(ip)
		if err != nil {
			return err
		}
		host = e.Track(h)
	}

	if err := host.AddPorts(detail.Ports); err != nil {
		log.Warn().Msgf("host %s: invalid port in detail: %v", host.IP, err)
	}
	host.AddHostnames(detail.Hostnames)

	if detail.OS != "" {
		host.OS = detail.OS
	}
	if detail.Org != "" {
		host.Org = detail.Org
	}

	for _, svc := range detail.Services {
		port, err := host.AddPort(svc.Port)
		if err != nil {
			log.Warn().Msgf("host %s: skipping service on invalid port %d: %v", host.IP, svc.Port, err)
			continue
		}

		if svc.Protocol != "" {
			port.Protocol = svc.Protocol
		}
		if svc.Service != "" {
			port.Service = svc.Service
		}
		if svc.Banner != "" {
			port.Banner = svc.Banner
		}
		if svc.HTTPStatus != nil {
			port.HTTPStatus = svc.HTTPStatus
		}

		for _, name := range svc.Hostnames {
			port.AddHostname(name)
			host.AddHostname(name)
		}
		for _, name := range svc.Vulns {
			port.AddVuln(name)
		}
		for _, f := range svc.Findings {
			port.AddOpt(f.Name, f.Description)
		}
	}

	// Low-detail fallback: the source reports vulnerabilities for the host
	// as a whole, so every port gets the same list.
	for _, name := range detail.HostVulns {
		for _, port := range host.Ports {
			port.AddVuln(name)
		}
	}

	return nil
}

package tea

import (
	"fmt"
	"net/netip"
	"slices"
	"time"

	"gorm.io/datatypes"
)

// ValidationError reports a malformed entity at construction time.
// It is fatal to that single entity, never to the whole run.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// A target host discovered during a scan. Keyed by its IPv4 address.
// Ports and hostnames are owned exclusively by the host; the ASN is a
// shared reference, many hosts may point at the same object within a run.
type Host struct {
	// IPv4 address, canonical key
	IP string `gorm:"primaryKey;column:ip"`

	OS     string `gorm:"column:os"`
	Domain string
	Org    string

	// AS number of the owning ASN, nil while unresolved.
	// Absence is a valid terminal state.
	ASNNumber *string `gorm:"column:asn"`
	ASN       *ASN    `gorm:"foreignKey:ASNNumber;references:Number;constraint:OnDelete:SET NULL"`

	// Hostnames are deduplicated on insertion (exact match) and stored
	// through the hostname table, not as a column.
	Hostnames []string `gorm:"-"`

	// Backing rows for the hostname table. The association exists to
	// declare the cascade; reads go through the repository loaders.
	HostnameRecords []*Hostname `gorm:"foreignKey:IP;references:IP;constraint:OnDelete:CASCADE"`

	// Unique by port number, kept sorted ascending
	Ports []*Port `gorm:"foreignKey:IP;references:IP;constraint:OnDelete:CASCADE"`

	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (Host) TableName() string { return "target_host" }

// NewHost validates the address eagerly: only parseable IPv4 addresses
// make it into the model.
func NewHost(ip string) (*Host, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return nil, &ValidationError{Field: "ip", Value: ip, Reason: "not an IPv4 address"}
	}

	now := time.Now()
	return &Host{IP: addr.String(), CreatedAt: now, ModifiedAt: now}, nil
}

func (h *Host) Addr() netip.Addr {
	// the constructor guarantees this parses
	return netip.MustParseAddr(h.IP)
}

// Adding an already-present hostname is a no-op
func (h *Host) AddHostname(name string) {
	if name == "" || slices.Contains(h.Hostnames, name) {
		return
	}
	h.Hostnames = append(h.Hostnames, name)
}

func (h *Host) AddHostnames(names []string) {
	for _, name := range names {
		h.AddHostname(name)
	}
}

// AddPort inserts a port by number, keeping the collection sorted and free
// of duplicates. The existing port object is returned when the number is
// already present so callers can enrich it in place. An out-of-range number
// is rejected without affecting sibling ports.
func (h *Host) AddPort(number int) (*Port, error) {
	if p := h.PortByNumber(number); p != nil {
		return p, nil
	}

	port, err := NewPort(number)
	if err != nil {
		return nil, err
	}
	port.IP = h.IP

	h.Ports = append(h.Ports, port)
	h.SortPorts()
	return port, nil
}

// AddPorts adds every valid port number and keeps going past invalid ones.
// The first validation failure is returned after the whole list is processed.
func (h *Host) AddPorts(numbers []int) error {
	var firstErr error
	for _, n := range numbers {
		if _, err := h.AddPort(n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Host) PortByNumber(number int) *Port {
	for _, p := range h.Ports {
		if p.Number == number {
			return p
		}
	}
	return nil
}

func (h *Host) SortPorts() {
	slices.SortFunc(h.Ports, func(a, b *Port) int { return a.Number - b.Number })
}

// Touch stamps the host and everything it owns as observed at t. A scan
// reaffirms the whole host graph it reports, not just the fields it
// changed. Both stamps move: the graph was built by this run, and rows
// that already exist keep their stored created_at through the upsert.
func (h *Host) Touch(t time.Time) {
	h.CreatedAt = t
	h.ModifiedAt = t
	for _, port := range h.Ports {
		port.CreatedAt = t
		port.ModifiedAt = t
		for _, vuln := range port.Vulns {
			vuln.CreatedAt = t
			vuln.ModifiedAt = t
		}
		for _, opt := range port.Opts {
			opt.CreatedAt = t
			opt.ModifiedAt = t
		}
	}
}

// SetASN points the host at a canonical ASN object and mirrors its number
// into the foreign key column.
func (h *Host) SetASN(a *ASN) {
	h.ASN = a
	if a == nil {
		h.ASNNumber = nil
		return
	}
	h.ASNNumber = &a.Number
}

// An Autonomous System and the IPv4 prefixes it announces. Keyed by the AS
// number in string form (e.g. "15169"). Two lookups returning the same
// number must resolve to the same object.
type ASN struct {
	Number      string `gorm:"primaryKey"`
	Name        string
	Description string

	// Unique, kept sorted. Persisted through the asn_subnet table.
	Subnets []netip.Prefix `gorm:"-"`

	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (ASN) TableName() string { return "asn" }

func NewASN(number, name, description string) (*ASN, error) {
	if number == "" {
		return nil, &ValidationError{Field: "asn", Value: number, Reason: "empty AS number"}
	}

	now := time.Now()
	return &ASN{
		Number:      number,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		ModifiedAt:  now,
	}, nil
}

// AddSubnet records a prefix, deduplicated and sorted. Subnets accumulate
// monotonically across an assignment pass.
func (a *ASN) AddSubnet(subnet netip.Prefix) {
	subnet = subnet.Masked()
	if slices.Contains(a.Subnets, subnet) {
		return
	}

	a.Subnets = append(a.Subnets, subnet)
	slices.SortFunc(a.Subnets, comparePrefix)
}

// Contains reports whether the address falls inside any recorded subnet.
func (a *ASN) Contains(addr netip.Addr) bool {
	for _, subnet := range a.Subnets {
		if subnet.Contains(addr) {
			return true
		}
	}
	return false
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// An open port on a host. Keyed by (number, host IP). The number is
// validated at construction; everything else is optional detail filled in
// by the host-detail collaborator.
type Port struct {
	ID     uint   `gorm:"primaryKey"`
	Number int    `gorm:"not null;uniqueIndex:idx_port_number_ip"`
	IP     string `gorm:"column:ip;not null;uniqueIndex:idx_port_number_ip"`

	Protocol   string
	Service    string
	Banner     string
	HTTPStatus *int `gorm:"column:http_status;check:http_status BETWEEN 100 AND 599"`

	// Hostnames observed on this specific port. Stored as port_id links on
	// the hostname table.
	Hostnames []string `gorm:"-"`

	Vulns []*PortVuln `gorm:"foreignKey:PortID;constraint:OnDelete:CASCADE"`
	Opts  []*PortOpt  `gorm:"foreignKey:PortID;constraint:OnDelete:CASCADE"`

	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (Port) TableName() string { return "port" }

func NewPort(number int) (*Port, error) {
	if number < 1 || number > 65535 {
		return nil, &ValidationError{Field: "port", Value: number, Reason: "must be between 1 and 65535"}
	}

	now := time.Now()
	return &Port{Number: number, CreatedAt: now, ModifiedAt: now}, nil
}

// AddVuln attaches a vulnerability by name, deduplicated within the port.
func (p *Port) AddVuln(name string) {
	for _, v := range p.Vulns {
		if v.Name == name {
			return
		}
	}

	now := time.Now()
	p.Vulns = append(p.Vulns, &PortVuln{Name: name, CreatedAt: now, ModifiedAt: now})
}

// AddOpt attaches an optional finding by name, deduplicated within the port.
// An existing finding keeps its description.
func (p *Port) AddOpt(name, description string) {
	for _, o := range p.Opts {
		if o.Name == name {
			return
		}
	}

	now := time.Now()
	p.Opts = append(p.Opts, &PortOpt{
		Name:        name,
		Description: description,
		CreatedAt:   now,
		ModifiedAt:  now,
	})
}

func (p *Port) AddHostname(name string) {
	if name == "" || slices.Contains(p.Hostnames, name) {
		return
	}
	p.Hostnames = append(p.Hostnames, name)
}

// A known vulnerability (usually a CVE id) observed on a port
type PortVuln struct {
	ID     uint   `gorm:"primaryKey"`
	Name   string `gorm:"not null;uniqueIndex:idx_vuln_name_port"`
	PortID uint   `gorm:"uniqueIndex:idx_vuln_name_port"`

	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (PortVuln) TableName() string { return "port_vuln" }

// An optional finding on a port: extra information such as weaknesses or
// experimental data (e.g. Heartbleed), with a free-form description
type PortOpt struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"not null;uniqueIndex:idx_opt_name_port"`
	Description string
	PortID      uint `gorm:"uniqueIndex:idx_opt_name_port"`

	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (PortOpt) TableName() string { return "port_opt" }

// A hostname observed for a host, optionally linked to the specific port
// the observation came from
type Hostname struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null;uniqueIndex:idx_hostname_name_ip"`
	IP   string `gorm:"column:ip;not null;uniqueIndex:idx_hostname_name_ip"`

	PortID *uint
	Port   *Port `gorm:"foreignKey:PortID;constraint:OnDelete:CASCADE"`

	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (Hostname) TableName() string { return "hostname" }

// A subnet announced by an ASN
type ASNSubnet struct {
	ID        uint   `gorm:"primaryKey"`
	ASNNumber string `gorm:"not null;uniqueIndex:idx_subnet_asn"`
	Subnet    string `gorm:"not null;uniqueIndex:idx_subnet_asn"`

	ASN *ASN `gorm:"foreignKey:ASNNumber;references:Number;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`

	CreatedAt  time.Time
	ModifiedAt time.Time
}

func (ASNSubnet) TableName() string { return "asn_subnet" }

// A single engine run, recorded for auditing. Settings holds a snapshot of
// the configuration the run was started with.
type ScanRun struct {
	ID       uint `gorm:"primaryKey"`
	Domain   string
	Settings datatypes.JSON

	Hosts      int
	StartedAt  time.Time
	FinishedAt *time.Time
}

func (ScanRun) TableName() string { return "scan_run" }

package tea

import (
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Repository interface {
	WithTransaction(fn func(*gorm.DB) error) error
	connect() (*gorm.DB, error)
}

type repository struct {
	db *gorm.DB

	location string
	config   *gorm.Config
	models   []any
}

// do whatever within a separate transaction
func (r *repository) WithTransaction(fn func(conn *gorm.DB) error) error {
	if _, err := r.connect(); err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

func (r *repository) connect() (*gorm.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := gorm.Open(sqlite.Open(r.location), r.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	db = db.Exec("PRAGMA foreign_keys = ON")
	if err := db.AutoMigrate(r.models...); err != nil {
		return nil, err
	}
	r.db = db

	return db, nil
}

type repositoryBuilder struct {
	location string
	config   *gorm.Config
	models   []any
}

func newRepositoryBuilder() *repositoryBuilder {
	return &repositoryBuilder{
		config: &gorm.Config{
			SkipDefaultTransaction: true,
			PrepareStmt:            true,
		},
	}
}

func (b *repositoryBuilder) setLocation(loc string) *repositoryBuilder {
	b.location = loc
	return b
}

func (b *repositoryBuilder) setModels(m []any) *repositoryBuilder {
	b.models = m
	return b
}

func (b *repositoryBuilder) build() *repository {
	return &repository{
		config:   b.config,
		location: b.location,
		models:   b.models,
	}
}

// Outcome of one batch write
type BatchResult struct {
	Saved  int
	Failed int
}

func (b *BatchResult) merge(other BatchResult) {
	b.Saved += other.Saved
	b.Failed += other.Failed
}

// SaveReport sums up a save across entity types. The operation is not
// transactional across types: a partial save is actionable data, the
// caller retries just the failed subset.
type SaveReport struct {
	Hosts     BatchResult
	ASNs      BatchResult
	Subnets   BatchResult
	Hostnames BatchResult
	Ports     BatchResult
	Vulns     BatchResult
	Opts      BatchResult
}

func (r SaveReport) Complete() bool {
	return r.FailedRows() == 0
}

func (r SaveReport) FailedRows() int {
	return r.Hosts.Failed + r.ASNs.Failed + r.Subnets.Failed +
		r.Hostnames.Failed + r.Ports.Failed + r.Vulns.Failed + r.Opts.Failed
}

func (r SaveReport) SavedRows() int {
	return r.Hosts.Saved + r.ASNs.Saved + r.Subnets.Saved +
		r.Hostnames.Saved + r.Ports.Saved + r.Vulns.Saved + r.Opts.Saved
}

// upsertBatch writes all rows in one transaction. When the batch fails it
// retries row by row so a single conflicting row does not sink its
// siblings; those failures are counted, not raised. Only a connection
// failure is returned as an error.
func upsertBatch[T any](repo Repository, oc clause.OnConflict, rows []T) (BatchResult, error) {
	var res BatchResult
	if len(rows) == 0 {
		return res, nil
	}

	if _, err := repo.connect(); err != nil {
		return res, err
	}

	err := repo.WithTransaction(func(d *gorm.DB) error {
		return d.Clauses(oc).Omit(clause.Associations).Create(rows).Error
	})
	if err == nil {
		res.Saved = len(rows)
		return res, nil
	}

	for _, row := range rows {
		rerr := repo.WithTransaction(func(d *gorm.DB) error {
			return d.Clauses(oc).Omit(clause.Associations).Create(row).Error
		})
		if rerr != nil {
			log.Warn().Msgf("failed to upsert row: %v", rerr)
			res.Failed++
			continue
		}
		res.Saved++
	}
	return res, nil
}

type exposureRepo struct {
	Repository
	cache *expirable.LRU[string, *Host]
}

func newExposureRepo(conf Configuration) *exposureRepo {
	models := []any{
		&ASN{}, &Host{}, &ASNSubnet{},
		&Port{}, &Hostname{}, &PortVuln{}, &PortOpt{},
		&ScanRun{},
	}
	repo := newRepositoryBuilder().
		setLocation(conf.Database).
		setModels(models).
		build()

	cache := expirable.NewLRU[string, *Host](1e3, nil, 5*time.Minute)
	return &exposureRepo{repo, cache}
}

// Conflict clauses per entity type. The DO UPDATE is guarded so that a row
// is rewritten (and modified_at refreshed) only when something actually
// differs; created_at is never part of the update set.
func hostConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"os", "domain", "org", "asn", "modified_at"}),
		Where: clause.Where{Exprs: []clause.Expression{gorm.Expr(
			"target_host.os IS NOT excluded.os" +
				" OR target_host.domain IS NOT excluded.domain" +
				" OR target_host.org IS NOT excluded.org" +
				" OR target_host.asn IS NOT excluded.asn" +
				" OR target_host.modified_at IS NOT excluded.modified_at",
		)}},
	}
}

func asnConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "modified_at"}),
		Where: clause.Where{Exprs: []clause.Expression{gorm.Expr(
			"asn.name IS NOT excluded.name" +
				" OR asn.description IS NOT excluded.description",
		)}},
	}
}

func subnetConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "asn_number"}, {Name: "subnet"}},
		DoUpdates: clause.AssignmentColumns([]string{"modified_at"}),
	}
}

func hostnameConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"port_id", "modified_at"}),
	}
}

func portConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "number"}, {Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"protocol", "service", "banner", "http_status", "modified_at"}),
		Where: clause.Where{Exprs: []clause.Expression{gorm.Expr(
			"port.protocol IS NOT excluded.protocol" +
				" OR port.service IS NOT excluded.service" +
				" OR port.banner IS NOT excluded.banner" +
				" OR port.http_status IS NOT excluded.http_status" +
				" OR port.modified_at IS NOT excluded.modified_at",
		)}},
	}
}

func vulnConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "port_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"modified_at"}),
	}
}

func optConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "port_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"description", "modified_at"}),
	}
}

func (r *exposureRepo) upsertHosts(hosts ...*Host) (BatchResult, error) {
	res, err := upsertBatch(r, hostConflict(), hosts)
	for _, h := range hosts {
		r.cache.Remove(h.IP)
	}
	return res, err
}

func (r *exposureRepo) upsertASNs(asns ...*ASN) (BatchResult, error) {
	return upsertBatch(r, asnConflict(), asns)
}

func (r *exposureRepo) upsertSubnets(asns ...*ASN) (BatchResult, error) {
	var rows []*ASNSubnet
	for _, asn := range asns {
		for _, subnet := range asn.Subnets {
			rows = append(rows, &ASNSubnet{
				ASNNumber:  asn.Number,
				Subnet:     subnet.String(),
				CreatedAt:  asn.CreatedAt,
				ModifiedAt: asn.ModifiedAt,
			})
		}
	}
	return upsertBatch(r, subnetConflict(), rows)
}

func (r *exposureRepo) upsertHostnames(hosts ...*Host) (BatchResult, error) {
	var rows []*Hostname
	for _, host := range hosts {
		for _, name := range host.Hostnames {
			rows = append(rows, &Hostname{
				Name:       name,
				IP:         host.IP,
				CreatedAt:  host.CreatedAt,
				ModifiedAt: host.ModifiedAt,
			})
		}
	}
	return upsertBatch(r, hostnameConflict(), rows)
}

func (r *exposureRepo) upsertPorts(hosts ...*Host) (BatchResult, error) {
	var rows []*Port
	for _, host := range hosts {
		rows = append(rows, host.Ports...)
	}
	return upsertBatch(r, portConflict(), rows)
}

// portIDs maps port numbers to their row ids for one host. Upserts do not
// report ids back, so the save path re-reads them before attaching
// children.
func (r *exposureRepo) portIDs(ip string) (map[int]uint, error) {
	var rows []Port
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Select("id", "number").Where(&Port{IP: ip}).Find(&rows)
		return errors.Wrap(q.Error, "failed to find ports")
	})
	if err != nil {
		return nil, err
	}

	ids := make(map[int]uint, len(rows))
	for _, row := range rows {
		ids[row.Number] = row.ID
	}
	return ids, nil
}

func (r *exposureRepo) upsertVulns(portID uint, port *Port) (BatchResult, error) {
	var rows []*PortVuln
	for _, v := range port.Vulns {
		rows = append(rows, &PortVuln{
			Name:       v.Name,
			PortID:     portID,
			CreatedAt:  v.CreatedAt,
			ModifiedAt: v.ModifiedAt,
		})
	}
	return upsertBatch(r, vulnConflict(), rows)
}

func (r *exposureRepo) upsertOpts(portID uint, port *Port) (BatchResult, error) {
	var rows []*PortOpt
	for _, o := range port.Opts {
		rows = append(rows, &PortOpt{
			Name:        o.Name,
			Description: o.Description,
			PortID:      portID,
			CreatedAt:   o.CreatedAt,
			ModifiedAt:  o.ModifiedAt,
		})
	}
	return upsertBatch(r, optConflict(), rows)
}

// upsertPortHostnames links hostnames observed on a specific service port
// to that port's row.
func (r *exposureRepo) upsertPortHostnames(host *Host, ids map[int]uint) (BatchResult, error) {
	var rows []*Hostname
	for _, port := range host.Ports {
		id, ok := ids[port.Number]
		if !ok {
			continue
		}
		portID := id
		for _, name := range port.Hostnames {
			rows = append(rows, &Hostname{
				Name:       name,
				IP:         host.IP,
				PortID:     &portID,
				CreatedAt:  port.CreatedAt,
				ModifiedAt: port.ModifiedAt,
			})
		}
	}
	return upsertBatch(r, hostnameConflict(), rows)
}

// saveDiscovery upserts the host-level graph: ASNs and their subnets
// first (the host asn column references them), then hosts and hostnames.
func (r *exposureRepo) saveDiscovery(hosts []*Host) (SaveReport, error) {
	var report SaveReport

	seen := make(map[string]*ASN)
	var asns []*ASN
	for _, host := range hosts {
		if host.ASN == nil || seen[host.ASN.Number] != nil {
			continue
		}
		seen[host.ASN.Number] = host.ASN
		asns = append(asns, host.ASN)
	}

	var err error
	if report.ASNs, err = r.upsertASNs(asns...); err != nil {
		return report, err
	}
	if report.Subnets, err = r.upsertSubnets(asns...); err != nil {
		return report, err
	}
	if report.Hosts, err = r.upsertHosts(hosts...); err != nil {
		return report, err
	}
	if report.Hostnames, err = r.upsertHostnames(hosts...); err != nil {
		return report, err
	}
	return report, nil
}

// saveExposure stores the full graph: discovery data plus ports with their
// vulnerabilities, findings and port-scoped hostname links. Batches are
// atomic per entity type; there is no transaction across types.
func (r *exposureRepo) saveExposure(hosts []*Host) (SaveReport, error) {
	report, err := r.saveDiscovery(hosts)
	if err != nil {
		return report, err
	}

	if report.Ports, err = r.upsertPorts(hosts...); err != nil {
		return report, err
	}

	for _, host := range hosts {
		if len(host.Ports) == 0 {
			continue
		}

		ids, err := r.portIDs(host.IP)
		if err != nil {
			return report, err
		}

		for _, port := range host.Ports {
			id, ok := ids[port.Number]
			if !ok {
				// the port row itself failed to save
				continue
			}

			res, err := r.upsertVulns(id, port)
			if err != nil {
				return report, err
			}
			report.Vulns.merge(res)

			if res, err = r.upsertOpts(id, port); err != nil {
				return report, err
			}
			report.Opts.merge(res)
		}

		res, err := r.upsertPortHostnames(host, ids)
		if err != nil {
			return report, err
		}
		report.Hostnames.merge(res)
	}

	return report, nil
}

// loadHosts returns hosts without dependent data. Pass ips to filter;
// otherwise every stored host is returned. Recently read hosts come from
// an expiring cache.
func (r *exposureRepo) loadHosts(ips ...string) ([]*Host, error) {
	var (
		hosts   []*Host
		pending []string
	)

	if len(ips) > 0 {
		for _, ip := range ips {
			if host, ok := r.cache.Get(ip); ok {
				hosts = append(hosts, host)
				continue
			}
			pending = append(pending, ip)
		}
		if len(pending) == 0 {
			return hosts, nil
		}
	}

	var qHosts []*Host
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Order("ip")
		if len(pending) > 0 {
			q = q.Where("ip IN ?", pending)
		}
		if err := q.Find(&qHosts).Error; err != nil {
			return errors.Wrap(err, "failed to find hosts")
		}

		for _, host := range qHosts {
			r.cache.Add(host.IP, host)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return append(hosts, qHosts...), nil
}

// loadASN hydrates the ASN references of the given hosts in place,
// resolving every host with the same AS number to one shared object.
func (r *exposureRepo) loadASN(hosts []*Host) error {
	var asns []*ASN
	var subnets []*ASNSubnet

	err := r.WithTransaction(func(d *gorm.DB) error {
		if err := d.Find(&asns).Error; err != nil {
			return errors.Wrap(err, "failed to find asns")
		}
		if err := d.Find(&subnets).Error; err != nil {
			return errors.Wrap(err, "failed to find asn subnets")
		}
		return nil
	})
	if err != nil {
		return err
	}

	index := make(map[string]*ASN, len(asns))
	for _, asn := range asns {
		index[asn.Number] = asn
	}
	for _, row := range subnets {
		asn, ok := index[row.ASNNumber]
		if !ok {
			continue
		}
		prefix, err := netip.ParsePrefix(row.Subnet)
		if err != nil {
			log.Debug().Msgf("skipping stored non-IPv4 subnet %q: %v", row.Subnet, err)
			continue
		}
		asn.AddSubnet(prefix)
	}

	for _, host := range hosts {
		if host.ASNNumber == nil {
			continue
		}
		if asn, ok := index[*host.ASNNumber]; ok {
			host.ASN = asn
		}
	}
	return nil
}

// loadPorts hydrates the port collections (with vulnerabilities and
// findings) of the given hosts in place.
func (r *exposureRepo) loadPorts(hosts []*Host) error {
	ips := make([]string, 0, len(hosts))
	byIP := make(map[string]*Host, len(hosts))
	for _, host := range hosts {
		host.Ports = nil
		ips = append(ips, host.IP)
		byIP[host.IP] = host
	}

	var ports []*Port
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Preload("Vulns").Preload("Opts").Where("ip IN ?", ips).Find(&ports)
		return errors.Wrap(q.Error, "failed to find ports")
	})
	if err != nil {
		return err
	}

	for _, port := range ports {
		host, ok := byIP[port.IP]
		if !ok {
			continue
		}
		host.Ports = append(host.Ports, port)
	}
	for _, host := range hosts {
		host.SortPorts()
	}
	return nil
}

// loadHostnames hydrates host- and port-level hostnames in place.
// Call after loadPorts when port-scoped names matter.
func (r *exposureRepo) loadHostnames(hosts []*Host) error {
	ips := make([]string, 0, len(hosts))
	byIP := make(map[string]*Host, len(hosts))
	for _, host := range hosts {
		ips = append(ips, host.IP)
		byIP[host.IP] = host
	}

	var rows []*Hostname
	err := r.WithTransaction(func(d *gorm.DB) error {
		q := d.Where("ip IN ?", ips).Find(&rows)
		return errors.Wrap(q.Error, "failed to find hostnames")
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		host, ok := byIP[row.IP]
		if !ok {
			continue
		}
		host.AddHostname(row.Name)

		if row.PortID == nil {
			continue
		}
		for _, port := range host.Ports {
			if port.ID == *row.PortID {
				port.AddHostname(row.Name)
				break
			}
		}
	}
	return nil
}

// loadExposure composes the read paths into a fully hydrated graph
func (r *exposureRepo) loadExposure(ips ...string) ([]*Host, error) {
	hosts, err := r.loadHosts(ips...)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return hosts, nil
	}

	if err := r.loadASN(hosts); err != nil {
		return nil, err
	}
	if err := r.loadPorts(hosts); err != nil {
		return nil, err
	}
	if err := r.loadHostnames(hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (r *exposureRepo) recordRun(run *ScanRun) error {
	return r.WithTransaction(func(d *gorm.DB) error {
		return errors.Wrap(d.Create(run).Error, "failed to record run")
	})
}

func (r *exposureRepo) finishRun(run *ScanRun, hosts int) error {
	now := time.Now()
	run.FinishedAt = &now
	run.Hosts = hosts
	return r.WithTransaction(func(d *gorm.DB) error {
		return errors.Wrap(d.Save(run).Error, "failed to finish run")
	})
}

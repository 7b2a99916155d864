package tea

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

// Engine wires the merge, assignment and persistence stages together.
// The ASN resolver is the only external collaborator; everything else is
// local to the process.
type Engine struct {
	conf     Configuration
	resolver ASNResolver
	repo     *exposureRepo
}

func NewEngine(conf Configuration, resolver ASNResolver) *Engine {
	conf = conf.withDefaults()
	return &Engine{
		conf:     conf,
		resolver: resolver,
		repo:     newExposureRepo(conf),
	}
}

// Outcome of one engine run
type RunReport struct {
	Run *ScanRun

	// candidates rejected during ingestion
	Skipped int
	// canonical hosts after merging
	Hosts int

	Save SaveReport
}

func (e *Engine) settings() datatypes.JSON {
	raw, err := json.Marshal(e.conf)
	if err != nil {
		// the configuration struct always marshals
		return nil
	}
	return datatypes.JSON(raw)
}

// merge folds candidates and per-host detail into a canonical host set.
// Hosts without their own domain inherit the run's.
func (e *Engine) merge(domain string, observations []Observation, details map[string]HostDetail) (*Exposure, int) {
	exposure := NewExposure()
	skipped := exposure.Ingest(observations)

	for ip, detail := range details {
		if err := exposure.ApplyDetail(ip, detail); err != nil {
			log.Debug().Msgf("skipping detail for %q: %v", ip, err)
			skipped++
		}
	}

	for _, host := range exposure.Hosts() {
		if host.Domain == "" {
			host.Domain = domain
		}
	}
	return exposure, skipped
}

// Run executes a full scan cycle: ingest the candidates, merge in the
// per-host detail, resolve ASN ownership and persist the graph. A partial
// save is reported, not raised; only storage connectivity fails the run.
func (e *Engine) Run(ctx context.Context, domain string, observations []Observation, details map[string]HostDetail) (*RunReport, error) {
	run := &ScanRun{Domain: domain, Settings: e.settings(), StartedAt: time.Now()}
	if err := e.repo.recordRun(run); err != nil {
		return nil, err
	}

	exposure, skipped := e.merge(domain, observations, details)
	hosts := exposure.Hosts()

	assigner := newASNAssigner(e.resolver, e.conf)
	assigner.Assign(ctx, hosts)

	scanTime := time.Now()
	for _, host := range hosts {
		host.Touch(scanTime)
	}

	report, err := e.repo.saveExposure(hosts)
	if err != nil {
		return nil, err
	}
	if !report.Complete() {
		log.Warn().Msgf("partial save: %d row(s) failed, %d saved", report.FailedRows(), report.SavedRows())
	}

	if err := e.repo.finishRun(run, len(hosts)); err != nil {
		return nil, err
	}

	return &RunReport{
		Run:     run,
		Skipped: skipped,
		Hosts:   len(hosts),
		Save:    report,
	}, nil
}

// Discover runs the cheap half of a cycle: candidates only, no per-host
// detail, persisting just hosts, hostnames and ASN data.
func (e *Engine) Discover(ctx context.Context, domain string, observations []Observation) (*RunReport, error) {
	run := &ScanRun{Domain: domain, Settings: e.settings(), StartedAt: time.Now()}
	if err := e.repo.recordRun(run); err != nil {
		return nil, err
	}

	exposure, skipped := e.merge(domain, observations, nil)
	hosts := exposure.Hosts()

	assigner := newASNAssigner(e.resolver, e.conf)
	assigner.Assign(ctx, hosts)

	scanTime := time.Now()
	for _, host := range hosts {
		host.Touch(scanTime)
	}

	report, err := e.repo.saveDiscovery(hosts)
	if err != nil {
		return nil, err
	}

	if err := e.repo.finishRun(run, len(hosts)); err != nil {
		return nil, err
	}

	return &RunReport{
		Run:     run,
		Skipped: skipped,
		Hosts:   len(hosts),
		Save:    report,
	}, nil
}

// Exposure loads the stored host graph, fully hydrated. Pass ips to
// filter, none for everything.
func (e *Engine) Exposure(ips ...string) ([]*Host, error) {
	return e.repo.loadExposure(ips...)
}

// Classify loads the stored graph and splits it into new, reaffirmed and
// stale records relative to the most recent write.
func (e *Engine) Classify(ips ...string) (*StalenessReport, error) {
	hosts, err := e.repo.loadExposure(ips...)
	if err != nil {
		return nil, err
	}
	return Classify(hosts, e.conf.StaleTolerance), nil
}

package tea

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrRateLimited marks a lookup rejected by the collaborator's quota.
// The assigner stops issuing new lookups for the pass when it sees one;
// hosts resolved so far keep their ASN, the rest stay unassigned.
var ErrRateLimited = errors.New("asn lookup rate limit exceeded")

// Result of a single ASN lookup
type ASNRecord struct {
	Number      string
	Name        string
	Description string
	// The announced range covering the queried address
	Subnet netip.Prefix
}

// ASNResolver is the injected lookup collaborator. Implementations are
// expected to bound their own timeouts; a failure here is converted into a
// skip-and-continue decision, never a hang.
type ASNResolver interface {
	Lookup(ctx context.Context, addr netip.Addr) (*ASNRecord, error)
	LookupSubnets(ctx context.Context, number string) ([]netip.Prefix, error)
}

type subnetGroup struct {
	Subnet netip.Prefix
	Count  int
}

// groupIPs partitions host addresses into subnets of the given prefix
// length, ordered by descending host count so the densest groups are
// looked up first when the quota is tight.
func groupIPs(hosts []*Host, bits int) []subnetGroup {
	counts := make(map[netip.Prefix]int)
	for _, h := range hosts {
		subnet, err := h.Addr().Prefix(bits)
		if err != nil {
			continue
		}
		counts[subnet]++
	}

	groups := make([]subnetGroup, 0, len(counts))
	for subnet, n := range counts {
		groups = append(groups, subnetGroup{subnet, n})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Count > groups[j].Count })
	return groups
}

// asnAssigner resolves Autonomous System ownership for a batch of hosts
// while keeping lookup volume bounded: one lookup per subnet, containment
// tests before any fallback, and failed subnets never retried.
//
// All merge state is guarded by a single mutex; concurrent subnet lookups
// funnel their results through it so merge-by-AS-number stays canonical.
type asnAssigner struct {
	resolver ASNResolver
	conf     Configuration

	mu      sync.Mutex
	index   map[string]*ASN // AS number -> canonical object
	failed  map[netip.Prefix]struct{}
	limited bool
}

func newASNAssigner(resolver ASNResolver, conf Configuration) *asnAssigner {
	return &asnAssigner{
		resolver: resolver,
		conf:     conf.withDefaults(),
		index:    make(map[string]*ASN),
		failed:   make(map[netip.Prefix]struct{}),
	}
}

// Assign runs the two-pass algorithm: one lookup per subnet group, then
// containment tests with a single fallback lookup per still-uncovered host.
// It never fails the batch; hosts that cannot be resolved are simply left
// without an ASN.
func (a *asnAssigner) Assign(ctx context.Context, hosts []*Host) {
	groups := groupIPs(hosts, a.conf.SubnetBits)

	g := new(errgroup.Group)
	g.SetLimit(a.conf.LookupWorkers)

	for _, grp := range groups {
		subnet := grp.Subnet
		g.Go(func() error {
			if ctx.Err() != nil || a.rateLimited() {
				// interrupt or exhausted quota: stop issuing new lookups
				return nil
			}
			a.lookupSubnet(ctx, subnet)
			return nil
		})
	}
	// workers only report through the shared state
	_ = g.Wait()

	var assigned, fallbacks int
	for _, host := range hosts {
		if a.assignHost(ctx, host, &fallbacks) {
			assigned++
		}
	}

	log.Debug().Msgf("assigned %d/%d hosts across %d ASN(s), %d fallback lookup(s), %d failed subnet(s)",
		assigned, len(hosts), len(a.index), fallbacks, len(a.failed))
}

// ASNs returns the canonical objects discovered so far, one per AS number.
func (a *asnAssigner) ASNs() []*ASN {
	a.mu.Lock()
	defer a.mu.Unlock()

	asns := make([]*ASN, 0, len(a.index))
	for _, asn := range a.index {
		asns = append(asns, asn)
	}
	sort.Slice(asns, func(i, j int) bool { return asns[i].Number < asns[j].Number })
	return asns
}

func (a *asnAssigner) rateLimited() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limited
}

// lookupSubnet issues the single representative lookup for a subnet group
// and merges the result. The group subnet itself joins the resolved ASN,
// so the rest of the group is covered by containment even when the
// announced prefix is narrower. Failures put the subnet on the failed list
// so no host in it triggers a retry.
func (a *asnAssigner) lookupSubnet(ctx context.Context, subnet netip.Prefix) {
	asn, err := a.resolve(ctx, subnet.Addr())
	if err != nil {
		log.Warn().Msgf("asn lookup failed for subnet %s: %v", subnet, err)
		a.mu.Lock()
		a.failed[subnet] = struct{}{}
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	asn.AddSubnet(subnet)
	a.mu.Unlock()
}

// resolve performs one lookup and folds the record into the AS-number
// index, returning the canonical object. The extra-subnet lookup happens
// outside the lock; only the merge is serialized.
func (a *asnAssigner) resolve(ctx context.Context, addr netip.Addr) (*ASN, error) {
	rec, err := a.resolver.Lookup(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			a.mu.Lock()
			a.limited = true
			a.mu.Unlock()
		}
		return nil, err
	}

	prefixes := a.extraSubnets(ctx, rec.Number)

	a.mu.Lock()
	defer a.mu.Unlock()

	asn, ok := a.index[rec.Number]
	if !ok {
		asn, err = NewASN(rec.Number, rec.Name, rec.Description)
		if err != nil {
			return nil, err
		}
		a.index[rec.Number] = asn
	}

	if rec.Subnet.IsValid() {
		asn.AddSubnet(rec.Subnet)
	}
	for _, p := range prefixes {
		asn.AddSubnet(p)
	}
	return asn, nil
}

// extraSubnets asks the collaborator for every prefix the AS announces.
// ASNs at or above the MaxSubnets cap (ISPs and larger) keep only the
// prefixes already known; a failed listing is no data, not an error.
func (a *asnAssigner) extraSubnets(ctx context.Context, number string) []netip.Prefix {
	prefixes, err := a.resolver.LookupSubnets(ctx, number)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			a.mu.Lock()
			a.limited = true
			a.mu.Unlock()
		}
		log.Debug().Msgf("subnet listing failed for AS%s: %v", number, err)
		return nil
	}

	if len(prefixes) >= a.conf.MaxSubnets {
		log.Debug().Msgf("AS%s announces too many subnets (%d) to record", number, len(prefixes))
		return nil
	}
	return prefixes
}

// assignHost covers the second pass for one host: containment against the
// known subnet lists first, a single fallback lookup only when the host's
// subnet has not already failed.
func (a *asnAssigner) assignHost(ctx context.Context, host *Host, fallbacks *int) bool {
	if host.ASN != nil {
		return true
	}
	addr := host.Addr()

	if asn := a.containing(addr); asn != nil {
		host.SetASN(asn)
		return true
	}

	subnet, err := addr.Prefix(a.conf.SubnetBits)
	if err != nil {
		return false
	}

	a.mu.Lock()
	_, skip := a.failed[subnet]
	skip = skip || a.limited
	a.mu.Unlock()
	if skip || ctx.Err() != nil {
		log.Debug().Msgf("skipping fallback asn lookup for %s", host.IP)
		return false
	}

	*fallbacks++
	asn, err := a.resolve(ctx, addr)
	if err != nil {
		log.Warn().Msgf("fallback asn lookup failed for %s: %v", host.IP, err)
		return false
	}

	host.SetASN(asn)
	return true
}

func (a *asnAssigner) containing(addr netip.Addr) *ASN {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, asn := range a.index {
		if asn.Contains(addr) {
			return asn
		}
	}
	return nil
}

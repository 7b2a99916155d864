package tea

import (
	"time"
)

const INMEMORY_DATABASE = ":memory:"

// Configuration for one engine instance. Everything is explicit: the core
// never reads the environment or any other ambient state.
type Configuration struct {
	// Location of the sqlite exposure database.
	// INMEMORY_DATABASE keeps it in memory.
	Database string

	// Prefix length used to partition host IPs for ASN lookups.
	// One lookup is issued per subnet of this size.
	SubnetBits int

	// ASNs announcing at least this many prefixes keep only the
	// representative prefix; the rest are not recorded
	MaxSubnets int

	// Concurrent subnet lookups during the first assignment pass
	LookupWorkers int

	// Tolerance window for the staleness classifier
	StaleTolerance time.Duration
}

// DefaultConfiguration returns the settings the CLI ships with: /24
// grouping, 50-prefix cap and a 5 minute staleness window.
func DefaultConfiguration() Configuration {
	return Configuration{
		Database:       "exposure.db",
		SubnetBits:     24,
		MaxSubnets:     50,
		LookupWorkers:  4,
		StaleTolerance: 5 * time.Minute,
	}
}

// Fills zero values with defaults so a partially set struct stays usable
func (c Configuration) withDefaults() Configuration {
	def := DefaultConfiguration()
	if c.Database == "" {
		c.Database = def.Database
	}
	if c.SubnetBits <= 0 || c.SubnetBits > 32 {
		c.SubnetBits = def.SubnetBits
	}
	if c.MaxSubnets <= 0 {
		c.MaxSubnets = def.MaxSubnets
	}
	if c.LookupWorkers <= 0 {
		c.LookupWorkers = def.LookupWorkers
	}
	if c.StaleTolerance <= 0 {
		c.StaleTolerance = def.StaleTolerance
	}
	return c
}

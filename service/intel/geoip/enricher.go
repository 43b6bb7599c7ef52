// Package geoip adds the country and autonomous system of the source to
// security events.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/hashicorp/go-multierror"
	"github.com/oschwald/maxminddb-golang"

	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/events"
)

const cacheTTL = time.Hour

// Enricher looks up the locations of event sources.
type Enricher struct {
	readers []*maxminddb.Reader
	lookup  func(ip netip.Addr) (Location, error)
	cache   gcache.Cache
}

// Open opens the configured databases. It returns nil if no database is
// configured.
func Open(cfg config.GeoIP) (*Enricher, error) {
	var readers []*maxminddb.Reader
	for _, path := range []string{cfg.CountryDB, cfg.ASNDB} {
		if path == "" {
			continue
		}
		db, err := maxminddb.Open(path)
		if err != nil {
			closeReaders(readers)
			return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
		}
		readers = append(readers, db)
	}
	if len(readers) == 0 {
		return nil, nil //nolint:nilnil
	}

	e := newEnricher(nil, cfg.CacheSize)
	e.readers = readers
	e.lookup = e.lookupDatabases
	return e, nil
}

func newEnricher(lookup func(ip netip.Addr) (Location, error), cacheSize int) *Enricher {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	e := &Enricher{lookup: lookup}
	e.cache = gcache.New(cacheSize).
		LRU().
		Expiration(cacheTTL).
		LoaderFunc(func(key interface{}) (interface{}, error) {
			ip, _ := key.(netip.Addr)
			return e.lookup(ip)
		}).
		Build()
	return e
}

// lookupDatabases merges the records of all databases. Country and ASN
// data usually come in separate databases.
func (e *Enricher) lookupDatabases(ip netip.Addr) (Location, error) {
	var loc Location
	for _, db := range e.readers {
		record := Location{}
		if err := db.Lookup(net.IP(ip.AsSlice()), &record); err != nil {
			return Location{}, err
		}
		if record.Country.Code != "" {
			loc.Country = record.Country
		}
		if record.AutonomousSystemNumber != 0 {
			loc.AutonomousSystemNumber = record.AutonomousSystemNumber
			loc.AutonomousSystemOrganization = record.AutonomousSystemOrganization
		}
	}
	return loc, nil
}

// Lookup returns the location of the address.
func (e *Enricher) Lookup(ip netip.Addr) (Location, error) {
	v, err := e.cache.Get(ip.Unmap())
	if err != nil {
		return Location{}, err
	}
	loc, ok := v.(Location)
	if !ok {
		return Location{}, errors.New("unexpected cache entry")
	}
	return loc, nil
}

// Enrich adds the location of the event source as attributes.
// A nil Enricher does nothing.
func (e *Enricher) Enrich(evt *events.SecurityEvent) {
	if e == nil || !evt.Source.IsValid() {
		return
	}

	loc, err := e.Lookup(evt.Source)
	if err != nil || loc.IsEmpty() {
		return
	}
	if loc.Country.Code != "" {
		evt.SetAttr("country", loc.Country.Code)
	}
	if loc.AutonomousSystemNumber != 0 {
		evt.SetAttr("asn", strconv.FormatUint(uint64(loc.AutonomousSystemNumber), 10))
		evt.SetAttr("as_org", loc.AutonomousSystemOrganization)
	}
}

// Close closes the databases.
func (e *Enricher) Close() error {
	if e == nil {
		return nil
	}
	e.cache.Purge()
	return closeReaders(e.readers)
}

func closeReaders(readers []*maxminddb.Reader) error {
	var result *multierror.Error
	for _, db := range readers {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

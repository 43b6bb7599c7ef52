package geoip

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portguard/service/config"
	"github.com/safing/portguard/service/events"
)

func TestOpenWithoutDatabases(t *testing.T) {
	t.Parallel()

	e, err := Open(config.GeoIP{})
	require.NoError(t, err)
	assert.Nil(t, e)

	// A nil enricher leaves events untouched.
	evt := events.New(time.Now(), netip.MustParseAddr("203.0.113.5"), events.StealthScan, events.ThreatLevel{}, events.ActionNone, "")
	e.Enrich(&evt)
	assert.Empty(t, evt.Attrs)
	require.NoError(t, e.Close())

	_, err = Open(config.GeoIP{CountryDB: "/nonexistent/country.mmdb"})
	require.Error(t, err)
}

func TestEnrich(t *testing.T) {
	t.Parallel()

	lookups := 0
	e := newEnricher(func(ip netip.Addr) (Location, error) {
		lookups++
		if ip == netip.MustParseAddr("198.51.100.1") {
			return Location{}, errors.New("lookup failed")
		}
		return Location{
			Country:                      CountryInfo{Code: "AT"},
			AutonomousSystemNumber:       64500,
			AutonomousSystemOrganization: "Example Networks",
		}, nil
	}, 16)

	src := netip.MustParseAddr("203.0.113.5")
	for range 3 {
		evt := events.New(time.Now(), src, events.StealthScan, events.ThreatLevel{}, events.ActionNone, "")
		e.Enrich(&evt)
		assert.Equal(t, map[string]string{
			"country": "AT",
			"asn":     "64500",
			"as_org":  "Example Networks",
		}, evt.Attrs)
	}
	assert.Equal(t, 1, lookups, "lookups are cached")

	evt := events.New(time.Now(), netip.MustParseAddr("198.51.100.1"), events.StealthScan, events.ThreatLevel{}, events.ActionNone, "")
	e.Enrich(&evt)
	assert.Empty(t, evt.Attrs)
}

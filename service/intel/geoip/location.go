package geoip

// Location is the geographical and network location of an address.
type Location struct {
	Country                      CountryInfo `maxminddb:"country"`
	AutonomousSystemNumber       uint        `maxminddb:"autonomous_system_number"`
	AutonomousSystemOrganization string      `maxminddb:"autonomous_system_organization"`
}

// CountryInfo holds the country of a location.
type CountryInfo struct {
	Code string `maxminddb:"iso_code"`
}

// IsEmpty returns whether nothing is known about the location.
func (l Location) IsEmpty() bool {
	return l.Country.Code == "" && l.AutonomousSystemNumber == 0
}

package enrichment

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oschwald/geoip2-golang"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

const (
	geoFreshness = 10 * 24 * time.Hour

	geoCityDatabase = "GeoLite2-City.mmdb"
	geoASNDatabase  = "GeoLite2-ASN.mmdb"

	lookupCacheCapacity = 100000
	lookupCacheTTL      = time.Hour
)

type geoResult struct {
	location *schema.GeoLocation
	asn      *schema.ASNumber
}

// GeoDB is the GeoIP/ASN lookup engine backed by MaxMind mmdb files pulled
// from the reference-data bucket. Lookups are memoized since log data reuses
// the same addresses heavily.
type GeoDB struct {
	city    *geoip2.Reader
	asn     *geoip2.Reader
	enabled bool
	cache   *ttlcache.Cache[string, geoResult]
}

// NewGeoDB materializes the City and ASN databases; on any failure the engine
// is disabled and enrichment is skipped, never failing the pipeline.
func NewGeoDB(ctx context.Context, fetcher *Fetcher) *GeoDB {
	g := &GeoDB{
		cache: ttlcache.New[string, geoResult](
			ttlcache.WithCapacity[string, geoResult](lookupCacheCapacity),
			ttlcache.WithTTL[string, geoResult](lookupCacheTTL),
		),
	}

	cityPath, err := fetcher.Materialize(ctx, geoCityDatabase, geoFreshness)
	if err != nil {
		slog.Warn("GeoIP city database unavailable, geo enrichment disabled", "error", err)
		return g
	}
	if g.city, err = geoip2.Open(cityPath); err != nil {
		slog.Warn("GeoIP city database unreadable, geo enrichment disabled", "error", err)
		return g
	}

	asnPath, err := fetcher.Materialize(ctx, geoASNDatabase, geoFreshness)
	if err == nil {
		if g.asn, err = geoip2.Open(asnPath); err != nil {
			slog.Warn("GeoIP ASN database unreadable, ASN enrichment disabled", "error", err)
		}
	} else {
		slog.Warn("GeoIP ASN database unavailable, ASN enrichment disabled", "error", err)
	}

	g.enabled = true
	return g
}

func (g *GeoDB) Enabled() bool { return g.enabled }

// CheckIPAddress looks up geolocation and ASN for an address. Either result
// may be nil; private or unknown addresses resolve to nothing.
func (g *GeoDB) CheckIPAddress(ipstr string) (*schema.GeoLocation, *schema.ASNumber) {
	if !g.enabled {
		return nil, nil
	}
	if item := g.cache.Get(ipstr); item != nil {
		res := item.Value()
		return res.location, res.asn
	}

	ip := net.ParseIP(ipstr)
	if ip == nil || !ip.IsGlobalUnicast() || ip.IsPrivate() {
		g.cache.Set(ipstr, geoResult{}, ttlcache.DefaultTTL)
		return nil, nil
	}

	var res geoResult
	if g.city != nil {
		if city, err := g.city.City(ip); err == nil && city.Country.IsoCode != "" {
			loc := &schema.GeoLocation{
				CountryISOCode: city.Country.IsoCode,
				CountryName:    city.Country.Names["en"],
				CityName:       city.City.Names["en"],
			}
			if len(city.Subdivisions) > 0 {
				loc.RegionName = city.Subdivisions[0].Names["en"]
			}
			if city.Location.Latitude != 0 || city.Location.Longitude != 0 {
				loc.Location = &schema.GeoPoint{
					Lat: city.Location.Latitude,
					Lon: city.Location.Longitude,
				}
			}
			res.location = loc
		}
	}
	if g.asn != nil {
		if asn, err := g.asn.ASN(ip); err == nil && asn.AutonomousSystemNumber != 0 {
			res.asn = &schema.ASNumber{
				Number:       asn.AutonomousSystemNumber,
				Organization: &schema.ASOrg{Name: asn.AutonomousSystemOrganization},
			}
		}
	}

	g.cache.Set(ipstr, res, ttlcache.DefaultTTL)
	return res.location, res.asn
}

// Close releases the mmdb readers.
func (g *GeoDB) Close() {
	if g.city != nil {
		g.city.Close()
	}
	if g.asn != nil {
		g.asn.Close()
	}
}

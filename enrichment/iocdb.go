package enrichment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

const (
	iocFreshness = 3 * 24 * time.Hour
	iocDatabase  = "ioc.db"

	// rangeScanLimit bounds the reverse scan used for nearest-range
	// containment lookups.
	rangeScanLimit = 64
)

// ThreatMatch is one indicator hit from one intel provider.
type ThreatMatch struct {
	Provider    string
	Type        string
	Name        string
	Value       string
	Reference   string
	FirstSeen   string
	LastSeen    string
	Description string
}

// IOCDB is the indicator-of-compromise lookup engine, reading the SQLite
// replica built by the out-of-process intel batch job. The replica holds
// IPv4/IPv6 ranges and domains per provider.
type IOCDB struct {
	db      *sql.DB
	enabled bool

	ipCache     *ttlcache.Cache[string, []ThreatMatch]
	domainCache *ttlcache.Cache[string, []ThreatMatch]
}

// NewIOCDB materializes the IOC database; failure disables IOC enrichment.
func NewIOCDB(ctx context.Context, fetcher *Fetcher) *IOCDB {
	d := &IOCDB{
		ipCache: ttlcache.New[string, []ThreatMatch](
			ttlcache.WithCapacity[string, []ThreatMatch](lookupCacheCapacity),
			ttlcache.WithTTL[string, []ThreatMatch](lookupCacheTTL),
		),
		domainCache: ttlcache.New[string, []ThreatMatch](
			ttlcache.WithCapacity[string, []ThreatMatch](lookupCacheCapacity),
			ttlcache.WithTTL[string, []ThreatMatch](lookupCacheTTL),
		),
	}

	path, err := fetcher.Materialize(ctx, iocDatabase, iocFreshness)
	if err != nil {
		slog.Warn("IOC database unavailable, IOC enrichment disabled", "error", err)
		return d
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=OFF")
	if err != nil {
		slog.Warn("IOC database unreadable, IOC enrichment disabled", "error", err)
		return d
	}
	d.db = db
	d.enabled = true
	return d
}

// OpenIOCDB opens an already-materialized replica directly. Test seam and
// local batch mode.
func OpenIOCDB(path string) (*IOCDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening IOC database: %w", err)
	}
	return &IOCDB{
		db:      db,
		enabled: true,
		ipCache: ttlcache.New[string, []ThreatMatch](
			ttlcache.WithCapacity[string, []ThreatMatch](lookupCacheCapacity)),
		domainCache: ttlcache.New[string, []ThreatMatch](
			ttlcache.WithCapacity[string, []ThreatMatch](lookupCacheCapacity)),
	}, nil
}

func (d *IOCDB) Enabled() bool { return d.enabled }

// Close releases the replica connection.
func (d *IOCDB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// CheckIPAddress returns every provider indicator whose range contains the
// address. IPv4 uses a bounded reverse scan over the range-start index; IPv6
// decomposes into 48/48/32-bit segments so the same single-index scan works.
func (d *IOCDB) CheckIPAddress(ipstr string) []ThreatMatch {
	if !d.enabled {
		return nil
	}
	if item := d.ipCache.Get(ipstr); item != nil {
		return item.Value()
	}

	ip := net.ParseIP(ipstr)
	var matches []ThreatMatch
	switch {
	case ip == nil:
	case ip.To4() != nil:
		matches = d.lookupV4(ipstr, ipv4ToInt(ip))
	default:
		hi, mid, lo := ipv6Segments(ip)
		matches = d.lookupV6(ipstr, hi, mid, lo)
	}

	d.ipCache.Set(ipstr, matches, ttlcache.DefaultTTL)
	return matches
}

func (d *IOCDB) lookupV4(ipstr string, ipInt int64) []ThreatMatch {
	rows, err := d.db.Query(`
		SELECT provider, type, name, reference, first_seen, last_seen, description, end_int
		FROM ipv4 WHERE start_int <= ?
		ORDER BY start_int DESC LIMIT ?`, ipInt, rangeScanLimit)
	if err != nil {
		slog.Warn("IOC ipv4 lookup failed", "error", err)
		return nil
	}
	defer rows.Close()

	var matches []ThreatMatch
	for rows.Next() {
		var m ThreatMatch
		var endInt int64
		if err := rows.Scan(&m.Provider, &m.Type, &m.Name, &m.Reference,
			&m.FirstSeen, &m.LastSeen, &m.Description, &endInt); err != nil {
			continue
		}
		if endInt >= ipInt {
			m.Value = ipstr
			matches = append(matches, m)
		}
	}
	return matches
}

func (d *IOCDB) lookupV6(ipstr string, hi, mid, lo int64) []ThreatMatch {
	rows, err := d.db.Query(`
		SELECT provider, type, name, reference, first_seen, last_seen, description,
		       end_hi, end_mid, end_lo
		FROM ipv6
		WHERE (start_hi < ?)
		   OR (start_hi = ? AND start_mid < ?)
		   OR (start_hi = ? AND start_mid = ? AND start_lo <= ?)
		ORDER BY start_hi DESC, start_mid DESC, start_lo DESC LIMIT ?`,
		hi, hi, mid, hi, mid, lo, rangeScanLimit)
	if err != nil {
		slog.Warn("IOC ipv6 lookup failed", "error", err)
		return nil
	}
	defer rows.Close()

	var matches []ThreatMatch
	for rows.Next() {
		var m ThreatMatch
		var endHi, endMid, endLo int64
		if err := rows.Scan(&m.Provider, &m.Type, &m.Name, &m.Reference,
			&m.FirstSeen, &m.LastSeen, &m.Description, &endHi, &endMid, &endLo); err != nil {
			continue
		}
		if segmentsLessOrEqual(hi, mid, lo, endHi, endMid, endLo) {
			m.Value = ipstr
			matches = append(matches, m)
		}
	}
	return matches
}

// CheckDomain returns indicator hits for a domain, walking parent domains so
// an indicator on example.com also matches www.example.com.
func (d *IOCDB) CheckDomain(name string) []ThreatMatch {
	if !d.enabled || name == "" {
		return nil
	}
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if item := d.domainCache.Get(name); item != nil {
		return item.Value()
	}

	var matches []ThreatMatch
	labels := strings.Split(name, ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".")
		rows, err := d.db.Query(`
			SELECT provider, type, name, reference, first_seen, last_seen, description
			FROM domain WHERE domain = ?`, candidate)
		if err != nil {
			slog.Warn("IOC domain lookup failed", "error", err)
			break
		}
		for rows.Next() {
			var m ThreatMatch
			if err := rows.Scan(&m.Provider, &m.Type, &m.Name, &m.Reference,
				&m.FirstSeen, &m.LastSeen, &m.Description); err != nil {
				continue
			}
			m.Value = candidate
			matches = append(matches, m)
		}
		rows.Close()
	}

	d.domainCache.Set(name, matches, ttlcache.DefaultTTL)
	return matches
}

// SummarizeMatches merges duplicate indicators across providers into the
// deduplicated threat.matched summary.
func SummarizeMatches(matches []ThreatMatch) *schema.ThreatSummary {
	if len(matches) == 0 {
		return nil
	}
	providers := make(map[string]bool)
	types := make(map[string]bool)
	indicators := make(map[string]bool)
	names := make(map[string]bool)
	for _, m := range matches {
		if m.Provider != "" {
			providers[m.Provider] = true
		}
		if m.Type != "" {
			types[m.Type] = true
		}
		if m.Value != "" {
			indicators[m.Value] = true
		}
		if m.Name != "" {
			names[m.Name] = true
		}
	}
	return &schema.ThreatSummary{
		Matched: schema.ThreatMatched{
			Providers:  sortedKeys(providers),
			Types:      sortedKeys(types),
			Indicators: sortedKeys(indicators),
			Names:      sortedKeys(names),
		},
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ipv4ToInt converts a v4 address to its numeric value.
func ipv4ToInt(ip net.IP) int64 {
	v4 := ip.To4()
	return int64(v4[0])<<24 | int64(v4[1])<<16 | int64(v4[2])<<8 | int64(v4[3])
}

// ipv6Segments decomposes a 128-bit address into 48/48/32-bit segments, each
// of which fits a signed 64-bit SQLite integer column.
func ipv6Segments(ip net.IP) (hi, mid, lo int64) {
	v6 := ip.To16()
	n := new(big.Int).SetBytes(v6)
	loMask := new(big.Int).SetUint64(0xFFFFFFFF)
	midMask := new(big.Int).SetUint64(0xFFFFFFFFFFFF)

	lo = new(big.Int).And(n, loMask).Int64()
	n.Rsh(n, 32)
	mid = new(big.Int).And(n, midMask).Int64()
	n.Rsh(n, 48)
	hi = new(big.Int).And(n, midMask).Int64()
	return hi, mid, lo
}

// segmentsLessOrEqual reports (aHi,aMid,aLo) <= (bHi,bMid,bLo).
func segmentsLessOrEqual(aHi, aMid, aLo, bHi, bMid, bLo int64) bool {
	if aHi != bHi {
		return aHi < bHi
	}
	if aMid != bMid {
		return aMid < bMid
	}
	return aLo <= bLo
}

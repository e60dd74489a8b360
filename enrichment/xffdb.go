package enrichment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	_ "github.com/mattn/go-sqlite3"
)

const (
	xffFreshness = 3 * 24 * time.Hour
	xffDatabase  = "trustedproxy.db"
)

// XFFDB resolves the real client address from X-Forwarded-For chains using a
// SQLite replica of trusted proxy ranges, built the same way as the IOC
// replica.
type XFFDB struct {
	db      *sql.DB
	enabled bool
	cache   *ttlcache.Cache[string, bool]
}

// NewXFFDB materializes the trusted-proxy database; failure disables XFF
// resolution and the parser falls back to the leftmost chain entry.
func NewXFFDB(ctx context.Context, fetcher *Fetcher) *XFFDB {
	x := &XFFDB{
		cache: ttlcache.New[string, bool](
			ttlcache.WithCapacity[string, bool](lookupCacheCapacity),
			ttlcache.WithTTL[string, bool](lookupCacheTTL),
		),
	}
	path, err := fetcher.Materialize(ctx, xffDatabase, xffFreshness)
	if err != nil {
		slog.Warn("trusted proxy database unavailable, XFF resolution disabled", "error", err)
		return x
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=OFF")
	if err != nil {
		slog.Warn("trusted proxy database unreadable, XFF resolution disabled", "error", err)
		return x
	}
	x.db = db
	x.enabled = true
	return x
}

// OpenXFFDB opens an already-materialized replica. Test seam.
func OpenXFFDB(path string) (*XFFDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening trusted proxy database: %w", err)
	}
	return &XFFDB{
		db:      db,
		enabled: true,
		cache: ttlcache.New[string, bool](
			ttlcache.WithCapacity[string, bool](lookupCacheCapacity)),
	}, nil
}

func (x *XFFDB) Enabled() bool { return x.enabled }

func (x *XFFDB) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// SelectClientIPFromXFF walks the X-Forwarded-For chain right to left past
// trusted proxies and returns the first untrusted hop, which is the real
// client. When every hop is trusted the leftmost entry is returned.
func (x *XFFDB) SelectClientIPFromXFF(xff []string) string {
	if len(xff) == 0 {
		return ""
	}
	clean := make([]string, 0, len(xff))
	for _, h := range xff {
		h = strings.TrimSpace(h)
		if h != "" {
			clean = append(clean, h)
		}
	}
	if len(clean) == 0 {
		return ""
	}
	if !x.enabled {
		return clean[0]
	}

	for i := len(clean) - 1; i >= 0; i-- {
		if !x.isTrustedProxy(clean[i]) {
			return clean[i]
		}
	}
	return clean[0]
}

func (x *XFFDB) isTrustedProxy(ipstr string) bool {
	if item := x.cache.Get(ipstr); item != nil {
		return item.Value()
	}

	ip := net.ParseIP(ipstr)
	trusted := false
	if ip != nil {
		if v4 := ip.To4(); v4 != nil {
			trusted = x.trustedV4(ipv4ToInt(ip))
		} else {
			hi, mid, lo := ipv6Segments(ip)
			trusted = x.trustedV6(hi, mid, lo)
		}
	}
	x.cache.Set(ipstr, trusted, ttlcache.DefaultTTL)
	return trusted
}

func (x *XFFDB) trustedV4(ipInt int64) bool {
	rows, err := x.db.Query(`
		SELECT end_int FROM ipv4 WHERE start_int <= ?
		ORDER BY start_int DESC LIMIT ?`, ipInt, rangeScanLimit)
	if err != nil {
		slog.Warn("trusted proxy ipv4 lookup failed", "error", err)
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var endInt int64
		if rows.Scan(&endInt) == nil && endInt >= ipInt {
			return true
		}
	}
	return false
}

func (x *XFFDB) trustedV6(hi, mid, lo int64) bool {
	rows, err := x.db.Query(`
		SELECT end_hi, end_mid, end_lo FROM ipv6
		WHERE (start_hi < ?)
		   OR (start_hi = ? AND start_mid < ?)
		   OR (start_hi = ? AND start_mid = ? AND start_lo <= ?)
		ORDER BY start_hi DESC, start_mid DESC, start_lo DESC LIMIT ?`,
		hi, hi, mid, hi, mid, lo, rangeScanLimit)
	if err != nil {
		slog.Warn("trusted proxy ipv6 lookup failed", "error", err)
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var endHi, endMid, endLo int64
		if rows.Scan(&endHi, &endMid, &endLo) == nil &&
			segmentsLessOrEqual(hi, mid, lo, endHi, endMid, endLo) {
			return true
		}
	}
	return false
}

package enrichment

import (
	"database/sql"
	"net"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIOCDB(t *testing.T) *IOCDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ioc.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE ipv4 (provider TEXT, type TEXT, name TEXT, reference TEXT,
			first_seen TEXT, last_seen TEXT, description TEXT,
			start_int INTEGER, end_int INTEGER);
		CREATE TABLE ipv6 (provider TEXT, type TEXT, name TEXT, reference TEXT,
			first_seen TEXT, last_seen TEXT, description TEXT,
			start_hi INTEGER, start_mid INTEGER, start_lo INTEGER,
			end_hi INTEGER, end_mid INTEGER, end_lo INTEGER);
		CREATE TABLE domain (provider TEXT, type TEXT, name TEXT, reference TEXT,
			first_seen TEXT, last_seen TEXT, description TEXT, domain TEXT);
	`)
	require.NoError(t, err)

	insertV4 := func(provider, name string, startIP, endIP string) {
		start := ipv4ToInt(net.ParseIP(startIP))
		end := ipv4ToInt(net.ParseIP(endIP))
		_, err := db.Exec(`INSERT INTO ipv4 VALUES (?, 'ipv4-addr', ?, '', '', '', '', ?, ?)`,
			provider, name, start, end)
		require.NoError(t, err)
	}
	insertV4("abuse", "botnet-range", "198.51.100.0", "198.51.100.255")
	insertV4("otx", "scanner", "203.0.113.5", "203.0.113.5")

	hiS, midS, loS := ipv6Segments(net.ParseIP("2001:db8::"))
	hiE, midE, loE := ipv6Segments(net.ParseIP("2001:db8::ffff"))
	_, err = db.Exec(`INSERT INTO ipv6 VALUES ('abuse', 'ipv6-addr', 'v6-range', '', '', '', '', ?, ?, ?, ?, ?, ?)`,
		hiS, midS, loS, hiE, midE, loE)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO domain VALUES ('otx', 'domain-name', 'phish-kit', '', '', '', '', 'evil.example.com')`)
	require.NoError(t, err)

	d, err := OpenIOCDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestIOCDBCheckIPv4(t *testing.T) {
	d := seedIOCDB(t)
	tests := []struct {
		name string
		ip   string
		hits int
	}{
		{name: "inside range", ip: "198.51.100.20", hits: 1},
		{name: "range start", ip: "198.51.100.0", hits: 1},
		{name: "range end", ip: "198.51.100.255", hits: 1},
		{name: "one past end", ip: "198.51.101.0", hits: 0},
		{name: "single address indicator", ip: "203.0.113.5", hits: 1},
		{name: "clean address", ip: "192.0.2.1", hits: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, d.CheckIPAddress(tt.ip), tt.hits)
		})
	}
}

func TestIOCDBCheckIPv6(t *testing.T) {
	d := seedIOCDB(t)

	hits := d.CheckIPAddress("2001:db8::42")
	require.Len(t, hits, 1)
	assert.Equal(t, "v6-range", hits[0].Name)

	assert.Empty(t, d.CheckIPAddress("2001:db9::1"))
}

func TestIOCDBCheckDomainWalksParents(t *testing.T) {
	d := seedIOCDB(t)

	hits := d.CheckDomain("login.evil.example.com")
	require.Len(t, hits, 1)
	assert.Equal(t, "evil.example.com", hits[0].Value)

	assert.Empty(t, d.CheckDomain("good.example.com"))
	// indicator never matches a bare parent suffix walk upward
	assert.Empty(t, d.CheckDomain("example.com"))
}

func TestSummarizeMatches(t *testing.T) {
	matches := []ThreatMatch{
		{Provider: "abuse", Type: "ipv4-addr", Name: "botnet-range", Value: "198.51.100.20"},
		{Provider: "otx", Type: "ipv4-addr", Name: "botnet-range", Value: "198.51.100.20"},
	}
	sum := SummarizeMatches(matches)
	require.NotNil(t, sum)
	assert.Equal(t, []string{"abuse", "otx"}, sum.Matched.Providers)
	assert.Equal(t, []string{"ipv4-addr"}, sum.Matched.Types)
	assert.Equal(t, []string{"198.51.100.20"}, sum.Matched.Indicators)
	assert.Equal(t, []string{"botnet-range"}, sum.Matched.Names)

	assert.Nil(t, SummarizeMatches(nil))
}

func TestIPv6Segments(t *testing.T) {
	hi, mid, lo := ipv6Segments(net.ParseIP("::1"))
	assert.Equal(t, int64(0), hi)
	assert.Equal(t, int64(0), mid)
	assert.Equal(t, int64(1), lo)

	// segments are non-negative so they fit signed SQLite integers
	hi, mid, lo = ipv6Segments(net.ParseIP("ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff"))
	assert.GreaterOrEqual(t, hi, int64(0))
	assert.GreaterOrEqual(t, mid, int64(0))
	assert.GreaterOrEqual(t, lo, int64(0))
}

func TestSegmentsLessOrEqual(t *testing.T) {
	assert.True(t, segmentsLessOrEqual(1, 2, 3, 1, 2, 3))
	assert.True(t, segmentsLessOrEqual(1, 2, 3, 1, 2, 4))
	assert.True(t, segmentsLessOrEqual(1, 2, 3, 2, 0, 0))
	assert.False(t, segmentsLessOrEqual(2, 0, 0, 1, 9, 9))
}

package schema

import (
	"time"

	"github.com/goccy/go-json"
)

// NormalizedEvent is the canonical output document loaded into the search
// index. The fixed top-level branches are strongly typed; everything the
// field mapping does not place lands in Extra and is moved under the log
// type's namespace at serialization time to avoid index mapping collisions.
type NormalizedEvent struct {
	ID           string     `json:"@id"`
	Timestamp    time.Time  `json:"@timestamp"`
	Message      string     `json:"@message,omitempty"`
	LogType      string     `json:"@log_type"`
	LogS3Bucket  string     `json:"@log_s3bucket"`
	LogS3Key     string     `json:"@log_s3key"`
	LogGroup     string     `json:"@log_group,omitempty"`
	LogStream    string     `json:"@log_stream,omitempty"`
	IngestedTime time.Time  `json:"@ingested_time"`

	Event       *EventFields    `json:"event,omitempty"`
	Cloud       *CloudFields    `json:"cloud,omitempty"`
	Host        *HostFields     `json:"host,omitempty"`
	Source      *EndpointFields `json:"source,omitempty"`
	Destination *EndpointFields `json:"destination,omitempty"`
	Network     *NetworkFields  `json:"network,omitempty"`
	HTTP        *HTTPFields     `json:"http,omitempty"`
	URL         *URLFields      `json:"url,omitempty"`
	User        *UserFields     `json:"user,omitempty"`
	UserAgent   *UserAgentFields `json:"user_agent,omitempty"`
	Related     *RelatedFields  `json:"related,omitempty"`
	Threat      *ThreatSummary  `json:"threat,omitempty"`

	// ExtraPrefix is the namespace the passthrough fields are nested under;
	// defaults to the log type name
	ExtraPrefix string         `json:"-"`
	Extra       map[string]any `json:"-"`
}

type EventFields struct {
	Module   string `json:"module,omitempty"`
	Category string `json:"category,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Code     string `json:"code,omitempty"`
	ID       string `json:"id,omitempty"`
	Severity int    `json:"severity,omitempty"`
}

type CloudFields struct {
	Provider string        `json:"provider,omitempty"`
	Account  *CloudAccount `json:"account,omitempty"`
	Region   string        `json:"region,omitempty"`
	Instance *CloudEntity  `json:"instance,omitempty"`
}

type CloudAccount struct {
	ID string `json:"id,omitempty"`
}

type CloudEntity struct {
	ID string `json:"id,omitempty"`
}

type HostFields struct {
	Hostname string `json:"hostname,omitempty"`
	Name     string `json:"name,omitempty"`
}

type EndpointFields struct {
	IP      string       `json:"ip,omitempty"`
	Port    int          `json:"port,omitempty"`
	Address string       `json:"address,omitempty"`
	Domain  string       `json:"domain,omitempty"`
	Bytes   int64        `json:"bytes,omitempty"`
	Packets int64        `json:"packets,omitempty"`
	Geo     *GeoLocation `json:"geo,omitempty"`
	AS      *ASNumber    `json:"as,omitempty"`
}

type NetworkFields struct {
	Transport string `json:"transport,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Direction string `json:"direction,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Packets   int64  `json:"packets,omitempty"`
}

type HTTPFields struct {
	RequestMethod      string `json:"request.method,omitempty"`
	ResponseStatusCode int    `json:"response.status_code,omitempty"`
	Version            string `json:"version,omitempty"`
}

type URLFields struct {
	Original string `json:"original,omitempty"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

type UserFields struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Domain string `json:"domain,omitempty"`
}

type UserAgentFields struct {
	Original string `json:"original,omitempty"`
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	OS       *OSFields `json:"os,omitempty"`
	Device   *DeviceFields `json:"device,omitempty"`
}

type OSFields struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

type DeviceFields struct {
	Name string `json:"name,omitempty"`
}

type RelatedFields struct {
	IP    []string `json:"ip,omitempty"`
	User  []string `json:"user,omitempty"`
	Hosts []string `json:"hosts,omitempty"`
	Hash  []string `json:"hash,omitempty"`
}

// GeoLocation is the GeoIP enrichment branch.
type GeoLocation struct {
	CountryISOCode string    `json:"country_iso_code,omitempty"`
	CountryName    string    `json:"country_name,omitempty"`
	CityName       string    `json:"city_name,omitempty"`
	RegionName     string    `json:"region_name,omitempty"`
	Location       *GeoPoint `json:"location,omitempty"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ASNumber is the ASN enrichment branch.
type ASNumber struct {
	Number       uint   `json:"number,omitempty"`
	Organization *ASOrg `json:"organization,omitempty"`
}

type ASOrg struct {
	Name string `json:"name,omitempty"`
}

// ThreatSummary is the deduplicated threat.matched summary merged across
// intel providers.
type ThreatSummary struct {
	Matched ThreatMatched `json:"matched"`
}

type ThreatMatched struct {
	Providers  []string `json:"providers,omitempty"`
	Types      []string `json:"types,omitempty"`
	Indicators []string `json:"indicators,omitempty"`
	Names      []string `json:"names,omitempty"`
}

// MarshalMap serializes the event to a flat document map, nesting the
// passthrough fields under ExtraPrefix.
func (e *NormalizedEvent) MarshalMap() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(e.Extra) > 0 {
		prefix := e.ExtraPrefix
		if prefix == "" {
			prefix = e.LogType
		}
		doc[prefix] = e.Extra
	}
	return doc, nil
}

// Serialize returns the JSON document body sent to the bulk API, with
// oversized fields truncated to respect the index field-size ceiling.
func (e *NormalizedEvent) Serialize() ([]byte, error) {
	doc, err := e.MarshalMap()
	if err != nil {
		return nil, err
	}
	TruncateOversized(doc)
	return json.Marshal(doc)
}

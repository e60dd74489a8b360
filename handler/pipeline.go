// Package handler orchestrates one invocation: event dispatch, per-object
// processing and partial-batch failure reporting.
package handler

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/decoders"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/enrichment"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/fanout"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/loader"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/metrics"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/opensearch"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/parser"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/source"
)

// dedupSetLimit bounds the serverless duplicate-suppression set per warm
// process.
const dedupSetLimit = 500_000

// Config is the process configuration, bound from the environment by the
// command layer.
type Config struct {
	Endpoint              string
	BasicAuthUser         string
	BasicAuthPass         string
	BulkRequestsPerSecond float64

	GeoIPBucket string
	TmpDir      string

	SplitQueueURL string

	SecurityLakeRoleARN    string
	SecurityLakeExternalID string
	ControlTowerRoleARN    string

	DisableMetrics bool
}

// ConfigFromEnv binds the pipeline configuration from environment variables.
func ConfigFromEnv() Config {
	rps := 0.0
	if v := os.Getenv("BULK_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rps = f
		}
	}
	return Config{
		Endpoint:               os.Getenv("ES_ENDPOINT"),
		BasicAuthUser:          os.Getenv("ES_BASIC_AUTH_USER"),
		BasicAuthPass:          os.Getenv("ES_BASIC_AUTH_PASSWORD"),
		BulkRequestsPerSecond:  rps,
		GeoIPBucket:            os.Getenv("GEOIP_BUCKET"),
		TmpDir:                 os.TempDir(),
		SplitQueueURL:          os.Getenv("SQS_SPLITTED_LOGS_URL"),
		SecurityLakeRoleARN:    os.Getenv("SECURITY_LAKE_ROLE_ARN"),
		SecurityLakeExternalID: os.Getenv("SECURITY_LAKE_EXTERNAL_ID"),
		ControlTowerRoleARN:    os.Getenv("CONTROL_TOWER_ROLE_ARN"),
	}
}

// Pipeline holds everything built once per warm process and shared across
// invocations: configuration registry, search client, enrichment engines and
// AWS clients.
type Pipeline struct {
	Registry *config.Registry
	Search   *opensearch.Client
	Dedup    *loader.DedupSet
	Metrics  metrics.CloudWatchAPI

	deps    *source.Deps
	enrich  parser.Enrichers
	tracker *decoders.ErrorTracker

	mu      sync.Mutex
	parsers map[string]*parser.Parser
}

// NewPipeline wires the process-wide collaborators. Enrichment engines
// degrade to disabled on failure; a missing search endpoint is fatal.
func NewPipeline(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ES_ENDPOINT is not set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	registry, err := config.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("loading log type configuration: %w", err)
	}

	auth := opensearch.Auth{Region: awsCfg.Region}
	if cfg.BasicAuthUser != "" {
		auth.Username = cfg.BasicAuthUser
		auth.Password = cfg.BasicAuthPass
	} else {
		auth.Credentials = awsCfg.Credentials
	}
	search, err := opensearch.New(cfg.Endpoint, auth, cfg.BulkRequestsPerSecond)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Registry: registry,
		Search:   search,
		tracker:  decoders.NewErrorTracker(),
		parsers:  make(map[string]*parser.Parser),
	}
	if search.Serverless() {
		p.Dedup = loader.NewDedupSet(dedupSetLimit)
	}
	if !cfg.DisableMetrics {
		p.Metrics = cloudwatch.NewFromConfig(awsCfg)
	}

	clients := source.NewClientResolver(awsCfg)
	clients.SecurityLakeRoleARN = cfg.SecurityLakeRoleARN
	clients.SecurityLakeExternalID = cfg.SecurityLakeExternalID
	clients.ControlTowerRoleARN = cfg.ControlTowerRoleARN

	p.deps = &source.Deps{
		Registry: registry,
		Clients:  clients,
		Fanout:   fanout.NewSender(sqs.NewFromConfig(awsCfg), cfg.SplitQueueURL),
		Tracker:  p.tracker,
	}

	if cfg.GeoIPBucket != "" {
		fetcher := enrichment.NewFetcher(s3.NewFromConfig(awsCfg), cfg.GeoIPBucket, cfg.TmpDir)
		p.enrich = parser.Enrichers{
			Geo: enrichment.NewGeoDB(ctx, fetcher),
			IOC: enrichment.NewIOCDB(ctx, fetcher),
			XFF: enrichment.NewXFFDB(ctx, fetcher),
		}
	}

	return p, nil
}

// parserFor returns the memoized per-type parser.
func (p *Pipeline) parserFor(lc *config.LogConfig) *parser.Parser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.parsers[lc.LogType]; ok {
		return ps
	}
	ps := parser.New(lc, p.enrich)
	p.parsers[lc.LogType] = ps
	return ps
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"linkline/internal/links"
	"linkline/internal/milestones"
	"linkline/internal/records"
)

// Job kinds.
const (
	KindPeerLinks        = "peer_links"
	KindParentChildLinks = "parent_child_links"
	KindForwardLinks     = "forward_links"
	KindMilestoneWindows = "milestone_windows"
	KindMetricRollup     = "metric_rollup"
)

// Store kinds.
const (
	StoreHTTP   = "http"
	StoreSQLite = "sqlite"
)

// Source kinds.
const (
	SourceTimescale = "timescale"
	SourceFile      = "file"
)

const (
	FileName = "linkline.yml"

	DefaultBaseURL   = "https://api.airtable.com/v0"
	DefaultAPIKeyEnv = "LINKLINE_API_KEY"
)

var ErrJobNotFound = errors.New("job not found")

// Config models linkline.yml.
type Config struct {
	Store      StoreConfig                    `yaml:"store" json:"store"`
	Dispatch   DispatchConfig                 `yaml:"dispatch" json:"dispatch"`
	Choices    map[string]map[string][]string `yaml:"choices,omitempty" json:"choices,omitempty"`
	Feed       FeedConfig                     `yaml:"feed" json:"feed"`
	Milestones MilestonesConfig               `yaml:"milestones" json:"milestones"`
	Jobs       map[string]*Job                `yaml:"jobs" json:"jobs"`
}

type StoreConfig struct {
	Kind           string `yaml:"kind" json:"kind"`
	BaseURL        string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	BaseID         string `yaml:"base_id,omitempty" json:"base_id,omitempty"`
	APIKeyEnv      string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	MaxBatchSize   int    `yaml:"max_batch_size,omitempty" json:"max_batch_size,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

type DispatchConfig struct {
	MaxRetries        int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BackoffSeconds    int `yaml:"backoff_seconds,omitempty" json:"backoff_seconds,omitempty"`
	MaxBackoffSeconds int `yaml:"max_backoff_seconds,omitempty" json:"max_backoff_seconds,omitempty"`
}

type FeedConfig struct {
	Source SourceConfig `yaml:"source" json:"source"`
	Push   PushConfig   `yaml:"push" json:"push"`
}

type SourceConfig struct {
	Kind   string `yaml:"kind,omitempty" json:"kind,omitempty"`
	DSNEnv string `yaml:"dsn_env,omitempty" json:"dsn_env,omitempty"`
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
}

type PushConfig struct {
	URL            string `yaml:"url,omitempty" json:"url,omitempty"`
	SecretEnv      string `yaml:"secret_env,omitempty" json:"secret_env,omitempty"`
	Stream         string `yaml:"stream,omitempty" json:"stream,omitempty"`
	MaxRetries     int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Concurrency    int    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

type MilestonesConfig struct {
	HotfixMarkers []string `yaml:"hotfix_markers,omitempty" json:"hotfix_markers,omitempty"`
}

// Job is one named reconciliation. Which fields apply depends on Kind.
type Job struct {
	Name string `yaml:"-" json:"name"`
	Kind string `yaml:"kind" json:"kind"`
	// Table holds the records written by the job: peers, parents, forward
	// sources, milestone events or rollup destinations.
	Table     string `yaml:"table" json:"table"`
	KeyField  string `yaml:"key_field,omitempty" json:"key_field,omitempty"`
	LinkField string `yaml:"link_field,omitempty" json:"link_field,omitempty"`

	ChildTable    string `yaml:"child_table,omitempty" json:"child_table,omitempty"`
	Discriminator string `yaml:"discriminator,omitempty" json:"discriminator,omitempty"`

	TargetTable    string            `yaml:"target_table,omitempty" json:"target_table,omitempty"`
	TargetKeyField string            `yaml:"target_key_field,omitempty" json:"target_key_field,omitempty"`
	TargetFilter   []links.Condition `yaml:"target_filter,omitempty" json:"target_filter,omitempty"`
	Cardinality    links.Cardinality `yaml:"cardinality,omitempty" json:"cardinality,omitempty"`

	EventFields milestones.EventFields `yaml:"event_fields,omitempty" json:"event_fields,omitempty"`
	Push        bool                   `yaml:"push,omitempty" json:"push,omitempty"`

	Fields         map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	VersionPattern string            `yaml:"version_pattern,omitempty" json:"version_pattern,omitempty"`
	// ScopeJob names a milestone_windows job whose periods bound the samples.
	ScopeJob     string `yaml:"scope_job,omitempty" json:"scope_job,omitempty"`
	LookbackDays int    `yaml:"lookback_days,omitempty" json:"lookback_days,omitempty"`

	Where map[string]any `yaml:"where,omitempty" json:"where,omitempty"`
}

// Lookback returns the sample window for rollups, zero meaning unbounded.
func (j Job) Lookback() time.Duration {
	return time.Duration(j.LookbackDays) * 24 * time.Hour
}

func (c *Config) applyDefaults() {
	if c.Store.Kind == "" {
		c.Store.Kind = StoreHTTP
	}
	if c.Store.Kind == StoreHTTP {
		if c.Store.BaseURL == "" {
			c.Store.BaseURL = DefaultBaseURL
		}
		if c.Store.APIKeyEnv == "" {
			c.Store.APIKeyEnv = DefaultAPIKeyEnv
		}
	}
	if c.Store.MaxBatchSize == 0 {
		c.Store.MaxBatchSize = 50
	}
	if c.Feed.Source.Kind == "" && c.Feed.Source.Path != "" {
		c.Feed.Source.Kind = SourceFile
	}
	for name, job := range c.Jobs {
		if job == nil {
			continue
		}
		job.Name = name
		if job.Kind == KindForwardLinks && job.Cardinality == "" {
			job.Cardinality = links.LinkAll
		}
		if job.Kind == KindParentChildLinks && job.ChildTable == "" {
			job.ChildTable = job.Table
		}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreHTTP:
		if c.Store.BaseID == "" {
			return fmt.Errorf("config.store.base_id is required for http stores")
		}
	case StoreSQLite:
	default:
		return fmt.Errorf("config.store.kind must be %q or %q", StoreHTTP, StoreSQLite)
	}
	if c.Store.MaxBatchSize < 0 {
		return fmt.Errorf("config.store.max_batch_size must be positive")
	}
	if c.Dispatch.MaxRetries < 0 || c.Dispatch.BackoffSeconds < 0 || c.Dispatch.MaxBackoffSeconds < 0 {
		return fmt.Errorf("config.dispatch values must not be negative")
	}
	switch c.Feed.Source.Kind {
	case "", SourceFile, SourceTimescale:
	default:
		return fmt.Errorf("config.feed.source.kind must be %q or %q", SourceTimescale, SourceFile)
	}
	if c.Feed.Source.Kind == SourceTimescale && c.Feed.Source.DSNEnv == "" {
		return fmt.Errorf("config.feed.source.dsn_env is required for timescale sources")
	}
	if c.Feed.Source.Kind == SourceFile && c.Feed.Source.Path == "" {
		return fmt.Errorf("config.feed.source.path is required for file sources")
	}
	if len(c.Jobs) == 0 {
		return fmt.Errorf("config.jobs is required")
	}
	for _, name := range c.JobNames() {
		job := c.Jobs[name]
		if job == nil {
			return fmt.Errorf("job %s is empty", name)
		}
		if err := c.validateJob(job); err != nil {
			return fmt.Errorf("job %s: %w", name, err)
		}
	}
	return nil
}

func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%s is required", pairs[i])
		}
	}
	return nil
}

func (c *Config) validateJob(j *Job) error {
	if err := requireFields("table", j.Table); err != nil {
		return err
	}
	switch j.Kind {
	case KindPeerLinks:
		return requireFields("key_field", j.KeyField, "link_field", j.LinkField)
	case KindParentChildLinks:
		return requireFields("key_field", j.KeyField, "link_field", j.LinkField)
	case KindForwardLinks:
		if err := requireFields("key_field", j.KeyField, "link_field", j.LinkField, "target_table", j.TargetTable); err != nil {
			return err
		}
		if j.Cardinality != links.LinkAll && j.Cardinality != links.LinkFirst {
			return fmt.Errorf("cardinality must be %q or %q", links.LinkAll, links.LinkFirst)
		}
		if _, err := links.Build(j.TargetFilter); err != nil {
			return fmt.Errorf("target_filter: %w", err)
		}
		return nil
	case KindMilestoneWindows:
		f := j.EventFields
		if err := requireFields("event_fields.version", f.Version, "event_fields.type", f.Type, "event_fields.date", f.Date); err != nil {
			return err
		}
		if j.Push && c.Feed.Push.URL == "" {
			return fmt.Errorf("push requires config.feed.push.url")
		}
		return nil
	case KindMetricRollup:
		if err := requireFields("key_field", j.KeyField); err != nil {
			return err
		}
		if len(j.Fields) == 0 {
			return fmt.Errorf("fields is required")
		}
		for cat, field := range j.Fields {
			if cat == "" || field == "" {
				return fmt.Errorf("fields has an empty category or field name")
			}
		}
		if j.VersionPattern != "" {
			re, err := regexp.Compile(j.VersionPattern)
			if err != nil {
				return fmt.Errorf("version_pattern: %w", err)
			}
			if re.SubexpIndex("version") < 0 {
				return fmt.Errorf("version_pattern needs a (?P<version>...) group")
			}
		}
		if j.ScopeJob != "" {
			scope, ok := c.Jobs[j.ScopeJob]
			if !ok || scope == nil || scope.Kind != KindMilestoneWindows {
				return fmt.Errorf("scope_job %s must name a %s job", j.ScopeJob, KindMilestoneWindows)
			}
		}
		if c.Feed.Source.Kind == "" {
			return fmt.Errorf("metric rollups require config.feed.source")
		}
		return nil
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", j.Kind)
	}
}

// ChoiceSets returns the single-select choices declared for table.
func (c *Config) ChoiceSets(table string) records.ChoiceSets {
	return records.ChoiceSets(c.Choices[table])
}

// JobNames returns job names in sorted order.
func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Job looks up a job by name.
func (c *Config) Job(name string) (*Job, error) {
	job, ok := c.Jobs[name]
	if !ok || job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config %s not found; create one with ll config init", path)
	}
	return cfg, err
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return FromYAML(data)
}

// Default returns the starter config.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// DefaultTemplate is written by ll config init.
const DefaultTemplate = `store:
  kind: sqlite
  max_batch_size: 50

dispatch:
  max_retries: 5
  backoff_seconds: 30
  max_backoff_seconds: 300

choices:
  Deploys:
    Status: [Queued, Deploying, Live, Rolled Back]

feed:
  source:
    kind: file
    path: samples.json

milestones:
  hotfix_markers: [hotfix, HF]

jobs:
  deploy-peers:
    kind: peer_links
    table: Deploys
    key_field: Build Version
    link_field: Related Deploys

  build-children:
    kind: parent_child_links
    table: Builds
    key_field: Version
    link_field: Child Builds
    discriminator: Parent Type

  deploy-build:
    kind: forward_links
    table: Deploys
    target_table: Builds
    key_field: Build Version
    target_key_field: Version
    link_field: Build
    cardinality: all
    target_filter:
      - field: Parent Type
        empty: true
      - field: Source
        equals: ci
      - field: Name
        not_contains: DRAFT

  version-windows:
    kind: milestone_windows
    table: Milestones
    event_fields:
      version: Version
      type: Milestone
      date: Date

  crash-rollup:
    kind: metric_rollup
    table: Versions
    key_field: Version
    scope_job: version-windows
    fields:
      crash: Crash Count
      hang: Hang Count
      oom: OOM Count
`

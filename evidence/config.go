package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/listingproof/evidence/internal/timeproof"
)

// Config holds all listingproof configuration.
type Config struct {
	DBPath      string          `yaml:"db_path"`
	OpsDBPath   string          `yaml:"ops_db_path"`
	CapturesDir string          `yaml:"captures_dir"`
	Workers     int             `yaml:"workers"`
	Locations   []Location      `yaml:"locations"`
	Browser     BrowserConfig   `yaml:"browser"`
	TimeProof   TimeProofConfig `yaml:"time_proof"`
	Retention   RetentionConfig `yaml:"retention"`
	Report      ReportConfig    `yaml:"report"`
}

// BrowserConfig controls Chrome and the capture session.
type BrowserConfig struct {
	RemoteURL       string        `yaml:"remote_url"`
	Bin             string        `yaml:"bin"`
	Headful         bool          `yaml:"headful"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`

	TargetURL         string        `yaml:"target_url"`
	ContentSelector   string        `yaml:"content_selector"`
	ZIPInputSelector  string        `yaml:"zip_input_selector"`
	Triggers          []Trigger     `yaml:"triggers"`
	TooltipSelectors  []string      `yaml:"tooltip_selectors"`
	BlockResources    []string      `yaml:"block_resources"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	ElementTimeout    time.Duration `yaml:"element_timeout"`
	TooltipTimeout    time.Duration `yaml:"tooltip_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	UserAgent         string        `yaml:"user_agent"`
	FullPage          bool          `yaml:"full_page"`
}

// TimeProofConfig controls the time proofs.
type TimeProofConfig struct {
	// Authorities are tried in order; the first verified token wins.
	Authorities []AuthorityConfig `yaml:"authorities"`

	// DateHost is queried for the HTTPS Date header. Default: the target host.
	DateHost string `yaml:"date_host"`

	HTTPSDateTimeout time.Duration `yaml:"https_date_timeout"`
	AuthorityTimeout time.Duration `yaml:"authority_timeout"`
}

// RetentionConfig controls artifact reclamation.
type RetentionConfig struct {
	// Days is the persistent retention age. Default: 30; negative keeps
	// artifacts forever.
	Days int `yaml:"days"`

	Mode           string        `yaml:"mode"`
	EphemeralGrace time.Duration `yaml:"ephemeral_grace"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// MetricsDays is how long pipeline metrics are kept. Default: 90.
	MetricsDays int `yaml:"metrics_days"`
}

// ReportConfig controls report rendering.
type ReportConfig struct {
	Title string `yaml:"title"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/listingproof.db"
	}
	if c.OpsDBPath == "" {
		c.OpsDBPath = filepath.Join(filepath.Dir(c.DBPath), "ops.db")
	}
	if c.CapturesDir == "" {
		c.CapturesDir = "data/captures"
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if len(c.Locations) == 0 {
		c.Locations = DefaultLocations()
	}
	if c.Browser.TargetURL == "" {
		c.Browser.TargetURL = "https://rv.campingworld.com/rv/{stock}?zip={zip}"
	}
	if c.Browser.ZIPInputSelector == "" {
		c.Browser.ZIPInputSelector = `input[placeholder*="ZIP"], input[name*="zip"]`
	}
	if len(c.TimeProof.Authorities) == 0 {
		c.TimeProof.Authorities = timeproof.DefaultAuthorities()
	}
	if c.Retention.Mode == "" {
		c.Retention.Mode = string(ModePersistent)
	}
	if c.Retention.Days == 0 {
		c.Retention.Days = 30
	}
	if c.Retention.MetricsDays == 0 {
		c.Retention.MetricsDays = 90
	}
}

func (c *Config) validate() error {
	switch c.Retention.Mode {
	case string(ModePersistent), string(ModeEphemeral):
	default:
		return fmt.Errorf("evidence: unknown retention mode %q", c.Retention.Mode)
	}
	seen := make(map[string]bool, len(c.Locations))
	for _, l := range c.Locations {
		if l.Code == "" || l.ZIP == "" {
			return fmt.Errorf("evidence: location %q needs a code and a zip", l.City)
		}
		if seen[l.Code] {
			return fmt.Errorf("evidence: duplicate location %q", l.Code)
		}
		seen[l.Code] = true
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

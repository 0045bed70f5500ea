package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	defaultMaxResultsPerFile = 2000
	defaultMaxRetries        = 5
	defaultRetryBackoffBase  = 15 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultWorkers           = 1
	defaultIDKey             = "appid"
	defaultInputNamespace    = "game_id"
)

// Config holds the immutable parameters of a single crawl run.
type Config struct {
	// ScraperType names the output chunks and the run report.
	ScraperType string
	// URLTemplate carries exactly one identifier placeholder: "{}", "%s" or "%v".
	URLTemplate string
	// IDKey is the field holding the identifier in input items and payloads.
	IDKey string
	// InputNamespace prefixes input chunk names, as in game_id_<n>.json.
	InputNamespace string

	InputDir    string
	OutputDir   string
	MetadataDir string

	MaxResultsPerFile int
	MaxRetries        int
	RetryBackoffBase  time.Duration
	RequestDelay      time.Duration
	RequestTimeout    time.Duration
	// MaxInputFiles caps the input files processed this run. Zero means no cap.
	MaxInputFiles int
	Workers       int

	// StartInputFile and StartOutputFile override the starting indices
	// when > 0. They win over a saved checkpoint.
	StartInputFile  int
	StartOutputFile int
	Resume          bool

	// Shaper normalizes a response body into a payload. Nil means ShapePayload.
	Shaper Shaper
}

// WithDefaults fills zero-valued optional fields.
func (c Config) WithDefaults() Config {
	if c.IDKey == "" {
		c.IDKey = defaultIDKey
	}
	if c.InputNamespace == "" {
		c.InputNamespace = defaultInputNamespace
	}
	if c.MaxResultsPerFile == 0 {
		c.MaxResultsPerFile = defaultMaxResultsPerFile
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = defaultRetryBackoffBase
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Shaper == nil {
		c.Shaper = ShapePayload
	}
	return c
}

// Validate reports configuration errors that must stop a run before any fetch.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ScraperType) == "":
		return fmt.Errorf("%w: scraper type is required", ErrConfiguration)
	case strings.ContainsAny(c.ScraperType, `/\`):
		return fmt.Errorf("%w: scraper type %q must not contain path separators", ErrConfiguration, c.ScraperType)
	case placeholderCount(c.URLTemplate) != 1:
		return fmt.Errorf("%w: url template must contain exactly one identifier placeholder", ErrConfiguration)
	case c.MaxResultsPerFile <= 0:
		return fmt.Errorf("%w: max results per file must be > 0", ErrConfiguration)
	case c.MaxRetries <= 0:
		return fmt.Errorf("%w: max retries must be > 0", ErrConfiguration)
	case c.RetryBackoffBase < 0 || c.RequestDelay < 0:
		return fmt.Errorf("%w: delays must be >= 0", ErrConfiguration)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be > 0", ErrConfiguration)
	case c.MaxInputFiles < 0:
		return fmt.Errorf("%w: max input files must be >= 0", ErrConfiguration)
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be > 0", ErrConfiguration)
	case c.StartInputFile < 0 || c.StartOutputFile < 0:
		return fmt.Errorf("%w: start file overrides must be >= 0", ErrConfiguration)
	}
	if _, err := url.Parse(c.BuildURL(StringID("0"))); err != nil {
		return fmt.Errorf("%w: url template: %v", ErrConfiguration, err)
	}
	return nil
}

// BuildURL substitutes the identifier into the template.
func (c Config) BuildURL(id Identifier) string {
	escaped := url.QueryEscape(id.String())
	for _, p := range placeholders {
		if strings.Contains(c.URLTemplate, p) {
			return strings.Replace(c.URLTemplate, p, escaped, 1)
		}
	}
	return c.URLTemplate
}

// InputName returns the chunk name of input file n.
func (c Config) InputName(n int) string {
	return path.Join(c.InputDir, fmt.Sprintf("%s_%d.json", c.InputNamespace, n))
}

// OutputName returns the chunk name of output file n.
func (c Config) OutputName(n int) string {
	return path.Join(c.OutputDir, fmt.Sprintf("%s_%d.json", c.ScraperType, n))
}

// ReportName returns the report name for the given run date.
func (c Config) ReportName(day time.Time) string {
	return path.Join(c.MetadataDir, fmt.Sprintf("%s_metadata_%s.json", day.Format("20060102"), c.ScraperType))
}

var placeholders = []string{"{}", "%s", "%v"}

func placeholderCount(tmpl string) int {
	n := 0
	for _, p := range placeholders {
		n += strings.Count(tmpl, p)
	}
	return n
}

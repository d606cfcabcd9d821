package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/retry"
)

// Config is the immutable run configuration handed to New. It is copied on
// construction; later changes by the caller have no effect.
type Config struct {
	Name string
	Mode crawler.Mode

	// StartPage and TotalPages bound the inclusive listing range.
	StartPage  int
	TotalPages int

	// ListConcurrency and ItemConcurrency cap in-flight jobs per phase.
	ListConcurrency int
	ItemConcurrency int

	// PreDelayBase plus U[0,1)*PreDelayJitter is slept before every item job.
	PreDelayBase   time.Duration
	PreDelayJitter time.Duration

	// SkipDownloaded skips items whose record is already downloaded.
	SkipDownloaded bool
	// PendingLimit caps the items loaded in download mode (0 = no cap).
	PendingLimit int

	// PublishTopic receives a DownloadEvent per artifact when a publisher is set.
	PublishTopic string

	Policy retry.Policy
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Mode:            crawler.ModeFull,
		StartPage:       1,
		TotalPages:      1,
		ListConcurrency: 4,
		ItemConcurrency: 8,
		PreDelayBase:    1500 * time.Millisecond,
		PreDelayJitter:  10 * time.Second,
		SkipDownloaded:  true,
		Policy:          retry.DefaultPolicy(),
	}
}

// Validate reports configuration problems that make a run impossible.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.Mode != crawler.ModeDownload {
		if c.StartPage < 0 {
			errs = append(errs, fmt.Errorf("start page must be >= 0, got %d", c.StartPage))
		}
		if c.TotalPages < c.StartPage {
			errs = append(errs, fmt.Errorf("total pages %d before start page %d", c.TotalPages, c.StartPage))
		}
	}
	if c.ListConcurrency <= 0 {
		errs = append(errs, errors.New("list concurrency must be positive"))
	}
	if c.ItemConcurrency <= 0 {
		errs = append(errs, errors.New("item concurrency must be positive"))
	}
	if c.PreDelayBase < 0 || c.PreDelayJitter < 0 {
		errs = append(errs, errors.New("pre-delay must not be negative"))
	}
	if c.PendingLimit < 0 {
		errs = append(errs, errors.New("pending limit must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) pages() int {
	return c.TotalPages - c.StartPage + 1
}

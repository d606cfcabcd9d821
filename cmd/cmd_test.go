package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/tspider/internal/config"
	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/logging"
)

type fakeRunner struct {
	cfg     *config.Config
	summary crawler.Summary
	err     error
	closed  bool
}

func (f *fakeRunner) Run(ctx context.Context) (crawler.Summary, error) {
	if ctx.Err() != nil {
		return crawler.Summary{}, ctx.Err()
	}
	return f.summary, f.err
}

func (f *fakeRunner) Stop() {}

func (f *fakeRunner) Close() { f.closed = true }

func withFakeRunner(t *testing.T, r *fakeRunner) {
	t.Helper()
	origRunner, origLogger := newRunner, newLogger
	newRunner = func(_ context.Context, cfg *config.Config, _ *zap.Logger) (runner, error) {
		r.cfg = cfg
		return r, nil
	}
	newLogger = func(logging.Config) (*zap.Logger, error) { return zap.NewNop(), nil }
	t.Cleanup(func() {
		newRunner, newLogger = origRunner, origLogger
	})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSitesCommandListsAdapters(t *testing.T) {
	out, err := execute(t, "sites")
	require.NoError(t, err)
	assert.Equal(t, "cebpubservice\ncninfo\nhebeieb\n", out)
}

func TestCrawlFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  site: cninfo
crawl:
  start_page: 1
  total_pages: 2
sink:
  backend: memory
storage:
  backend: memory
`), 0o600))

	r := &fakeRunner{summary: crawler.Summary{
		RunID:           "run-1",
		Site:            "hebeieb",
		Mode:            crawler.ModeDiscover,
		PagesSucceeded:  4,
		RecordsCreated:  40,
		ItemsDownloaded: 0,
	}}
	withFakeRunner(t, r)

	out, err := execute(t, "crawl", "--config", path, "--site", "hebeieb", "--mode", "discover", "--start-page", "3", "--total-pages", "6")
	require.NoError(t, err)
	require.NotNil(t, r.cfg)
	assert.Equal(t, "hebeieb", r.cfg.App.Site)
	assert.Equal(t, "discover", r.cfg.App.Mode)
	assert.Equal(t, 3, r.cfg.Crawl.StartPage)
	assert.Equal(t, 6, r.cfg.Crawl.TotalPages)
	assert.True(t, r.closed)
	assert.Contains(t, out, "run run-1 site=hebeieb mode=discover")
	assert.Contains(t, out, "pages: 4 ok, 0 failed")
	assert.Contains(t, out, "records created: 40")
}

func TestCrawlRejectsInvalidMode(t *testing.T) {
	r := &fakeRunner{}
	withFakeRunner(t, r)

	_, err := execute(t, "crawl", "--site", "cninfo", "--mode", "mirror")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.mode")
	assert.Nil(t, r.cfg)
}

func TestCrawlReportsRunError(t *testing.T) {
	r := &fakeRunner{err: errors.New("run crawl: boom")}
	withFakeRunner(t, r)

	_, err := execute(t, "crawl", "--site", "cninfo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, r.closed)
}

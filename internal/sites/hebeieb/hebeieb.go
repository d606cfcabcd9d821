// Package hebeieb crawls tender announcements from the Hebei e-bidding
// platform. Listing pages are HTML fragments; each announcement is saved as
// the HTML table of its detail page.
package hebeieb

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/sites/artifact"
)

// Name is the registry key of this adapter.
const Name = "hebeieb"

const idSeparator = "###"

// Config holds the endpoints used by the adapter.
type Config struct {
	BaseURL     string `mapstructure:"base_url"`
	ListURL     string `mapstructure:"list_url"`
	DownloadAPI string `mapstructure:"download_api"`
	Referer     string `mapstructure:"referer"`
	UserAgent   string `mapstructure:"user_agent"`
}

// DefaultConfig returns the public hebeieb endpoints.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://www.hebeieb.com",
		ListURL:     "http://www.hebeieb.com/tender/xxgk/zbgg.do",
		DownloadAPI: "http://www.hebeieb.com/tender/xxgk/zbggDetail.do",
		Referer:     "http://www.hebeieb.com/tender/xxgk/list.do?selectype=zbgg",
		UserAgent:   artifact.BrowserUserAgent,
	}
}

// Adapter implements crawler.SiteAdapter for hebeieb.
type Adapter struct {
	cfg    Config
	base   *url.URL
	writer *artifact.Writer
}

// New validates cfg and builds an Adapter.
func New(cfg Config, writer *artifact.Writer) (*Adapter, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("hebeieb: invalid base_url %q", cfg.BaseURL)
	}
	if cfg.ListURL == "" || cfg.DownloadAPI == "" {
		return nil, fmt.Errorf("hebeieb: list_url and download_api are required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = artifact.BrowserUserAgent
	}
	return &Adapter{cfg: cfg, base: base, writer: writer}, nil
}

// Name implements crawler.SiteAdapter.
func (a *Adapter) Name() string { return Name }

// BuildListRequest implements crawler.SiteAdapter.
func (a *Adapter) BuildListRequest(page int) (crawler.Request, error) {
	form := url.Values{
		"page":      {fmt.Sprint(page)},
		"TimeStr":   {""},
		"AllPtName": {""},
		"KeyStr":    {""},
		"KeyType":   {"ggname"},
	}
	h := http.Header{}
	h.Set("User-Agent", a.cfg.UserAgent)
	h.Set("Accept", "text/html, */*; q=0.01")
	h.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	h.Set("X-Requested-With", "XMLHttpRequest")
	if a.cfg.Referer != "" {
		h.Set("Referer", a.cfg.Referer)
	}
	return crawler.Request{Method: http.MethodPost, URL: a.cfg.ListURL, Header: h, Body: []byte(form.Encode())}, nil
}

// ParseListPage implements crawler.SiteAdapter. Links without both
// categoryid and infoid are skipped.
func (a *Adapter) ParseListPage(_ int, resp crawler.Response) ([]crawler.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, crawler.Corrupt("parse hebeieb listing: %v", err)
	}
	var items []crawler.Item
	doc.Find(`div.publicont > div > h4 > a`).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := a.base.ResolveReference(ref)
		q := abs.Query()
		category, info := q.Get("categoryid"), q.Get("infoid")
		if category == "" || info == "" {
			return
		}
		title, _ := s.Attr("title")
		if title == "" {
			title = strings.TrimSpace(s.Text())
		}
		items = append(items, crawler.Item{
			ID:    category + idSeparator + info,
			Title: strings.TrimSpace(title),
			URL:   abs.String(),
			Meta:  map[string]string{"categoryid": category, "infoid": info},
		})
	})
	return items, nil
}

// SplitID returns the category and info identifiers packed into an item ID.
func SplitID(id string) (category, info string, err error) {
	category, info, ok := strings.Cut(id, idSeparator)
	if !ok || category == "" || info == "" {
		return "", "", fmt.Errorf("malformed hebeieb item id %q", id)
	}
	return category, info, nil
}

// BuildItemRequest implements crawler.SiteAdapter.
func (a *Adapter) BuildItemRequest(item crawler.Item) (crawler.Request, error) {
	category, info, err := SplitID(item.ID)
	if err != nil {
		return crawler.Request{}, err
	}
	u, err := url.Parse(a.cfg.DownloadAPI)
	if err != nil {
		return crawler.Request{}, fmt.Errorf("parse download api: %w", err)
	}
	q := u.Query()
	q.Set("categoryid", category)
	q.Set("infoid", info)
	u.RawQuery = q.Encode()
	h := http.Header{}
	h.Set("User-Agent", a.cfg.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return crawler.Request{Method: http.MethodGet, URL: u.String(), Header: h}, nil
}

// PersistArtifact implements crawler.SiteAdapter. A detail page without the
// announcement table is treated as a corrupt payload.
func (a *Adapter) PersistArtifact(ctx context.Context, item crawler.Item, resp crawler.Response) (crawler.StoredLocation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.StoredLocation{}, crawler.Corrupt("parse detail %s: %v", item.ID, err)
	}
	table := doc.Find(`#article_con > div > table`).First()
	if table.Length() == 0 {
		return crawler.StoredLocation{}, crawler.Corrupt("detail %s has no announcement table", item.ID)
	}
	html, err := goquery.OuterHtml(table)
	if err != nil {
		return crawler.StoredLocation{}, fmt.Errorf("render detail %s: %w", item.ID, err)
	}
	name := artifact.ShortName(artifact.SafeName(item.Title), artifact.MaxNameBytes) + ".html"
	return a.writer.Write(ctx, name, "text/html; charset=utf-8", []byte(html))
}

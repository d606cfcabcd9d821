// Package cninfo crawls fund contract announcements from the cninfo.com.cn
// full-text search API. Listings are JSON; each announcement links directly to
// its PDF, so downloads are single-stage.
package cninfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/sites/artifact"
)

// Name is the registry key of this adapter.
const Name = "cninfo"

// Config holds the endpoints and search parameters.
type Config struct {
	ListURL         string `mapstructure:"list_url"`
	DownloadBaseURL string `mapstructure:"download_base_url"`
	SearchKey       string `mapstructure:"search_key"`
	UserAgent       string `mapstructure:"user_agent"`
}

// DefaultConfig returns the public cninfo endpoints.
func DefaultConfig() Config {
	return Config{
		ListURL:         "http://www.cninfo.com.cn/new/fulltextSearch/full",
		DownloadBaseURL: "http://static.cninfo.com.cn/",
		SearchKey:       "基金合同",
		UserAgent:       artifact.BrowserUserAgent,
	}
}

// Adapter implements crawler.SiteAdapter for cninfo.
type Adapter struct {
	cfg    Config
	base   *url.URL
	writer *artifact.Writer
}

// New validates cfg and builds an Adapter.
func New(cfg Config, writer *artifact.Writer) (*Adapter, error) {
	if cfg.ListURL == "" {
		return nil, fmt.Errorf("cninfo: list_url is required")
	}
	base, err := url.Parse(cfg.DownloadBaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("cninfo: invalid download_base_url %q", cfg.DownloadBaseURL)
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
	u, err := url.Parse(a.cfg.ListURL)
	if err != nil {
		return crawler.Request{}, fmt.Errorf("parse list url: %w", err)
	}
	q := u.Query()
	q.Set("searchkey", a.cfg.SearchKey)
	q.Set("sdate", "")
	q.Set("edate", "")
	q.Set("isfulltext", "false")
	q.Set("sortName", "pubdate")
	q.Set("sortType", "desc")
	q.Set("pageNum", fmt.Sprint(page))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	header.Set("User-Agent", a.cfg.UserAgent)
	header.Set("X-Requested-With", "XMLHttpRequest")
	header.Set("Referer", "http://www.cninfo.com.cn/new/fulltextSearch?notautosubmit=&keyWord="+url.QueryEscape(a.cfg.SearchKey))
	header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	return crawler.Request{Method: http.MethodGet, URL: u.String(), Header: header}, nil
}

type listResponse struct {
	Announcements []announcement `json:"announcements"`
}

type announcement struct {
	ID         flexString `json:"announcementId"`
	Title      string     `json:"announcementTitle"`
	AdjunctURL string     `json:"adjunctUrl"`
}

// flexString accepts both JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// ParseListPage implements crawler.SiteAdapter. A null announcement list is
// an empty page.
func (a *Adapter) ParseListPage(_ int, resp crawler.Response) ([]crawler.Item, error) {
	var body listResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, crawler.Corrupt("decode cninfo listing: %v", err)
	}
	items := make([]crawler.Item, 0, len(body.Announcements))
	for _, ann := range body.Announcements {
		if ann.ID == "" || ann.AdjunctURL == "" {
			continue
		}
		ref, err := url.Parse(ann.AdjunctURL)
		if err != nil {
			continue
		}
		items = append(items, crawler.Item{
			ID:    string(ann.ID),
			Title: stripHighlight(ann.Title),
			URL:   a.base.ResolveReference(ref).String(),
			Meta:  map[string]string{"filetype": fileType(ann.AdjunctURL)},
		})
	}
	return items, nil
}

// BuildItemRequest implements crawler.SiteAdapter.
func (a *Adapter) BuildItemRequest(item crawler.Item) (crawler.Request, error) {
	if item.URL == "" {
		return crawler.Request{}, fmt.Errorf("item %s has no download url", item.ID)
	}
	header := http.Header{}
	header.Set("User-Agent", a.cfg.UserAgent)
	header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	header.Set("Referer", "http://www.cninfo.com.cn/")
	header.Set("Upgrade-Insecure-Requests", "1")
	return crawler.Request{Method: http.MethodGet, URL: item.URL, Header: header}, nil
}

// PersistArtifact implements crawler.SiteAdapter.
func (a *Adapter) PersistArtifact(ctx context.Context, item crawler.Item, resp crawler.Response) (crawler.StoredLocation, error) {
	ext := item.Meta["filetype"]
	if ext == "" {
		ext = fileType(item.URL)
	}
	name := artifact.ShortName(artifact.SafeName(item.Title+"."+ext), artifact.MaxNameBytes)
	return a.writer.Write(ctx, name, artifact.ContentType(resp, "application/pdf"), resp.Body)
}

func stripHighlight(title string) string {
	return strings.NewReplacer("<em>", "", "</em>", "").Replace(title)
}

func fileType(ref string) string {
	ext := strings.TrimPrefix(path.Ext(ref), ".")
	if ext == "" {
		return "pdf"
	}
	return strings.ToLower(ext)
}

// Package cebpubservice crawls the tender document library of
// cebpubservice.com. Listing pages are form POSTs returning JSON; each
// document needs a GUID lookup before its file can be downloaded.
package cebpubservice

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/sites/artifact"
)

// Name is the registry key of this adapter.
const Name = "cebpubservice"

const formContentType = "application/x-www-form-urlencoded; charset=UTF-8"

// Config holds the three endpoints and the listing page size.
type Config struct {
	ListURL     string `mapstructure:"list_url"`
	ResolveURL  string `mapstructure:"resolve_url"`
	DownloadAPI string `mapstructure:"download_api"`
	Rows        int    `mapstructure:"rows"`
	UserAgent   string `mapstructure:"user_agent"`
}

// DefaultConfig returns the public document library endpoints.
func DefaultConfig() Config {
	const base = "http://www.cebpubservice.com/tenderdocument/mhDocumentLibNoSessionAction/"
	return Config{
		ListURL:     base + "queryMhDocumentLibList.do",
		ResolveURL:  base + "queryMhDocumentLibDetails.do",
		DownloadAPI: base + "downloadFile.do",
		Rows:        10,
		UserAgent:   artifact.BrowserUserAgent,
	}
}

// IDGenerator names artifacts whose response carries no filename.
type IDGenerator interface {
	NewHex() (string, error)
}

// Adapter implements crawler.SiteAdapter and crawler.Resolver.
type Adapter struct {
	cfg    Config
	writer *artifact.Writer
	ids    IDGenerator
}

// New validates cfg and builds an Adapter.
func New(cfg Config, writer *artifact.Writer, ids IDGenerator) (*Adapter, error) {
	for key, v := range map[string]string{"list_url": cfg.ListURL, "resolve_url": cfg.ResolveURL, "download_api": cfg.DownloadAPI} {
		if u, err := url.Parse(v); err != nil || u.Host == "" {
			return nil, fmt.Errorf("cebpubservice: invalid %s %q", key, v)
		}
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = artifact.BrowserUserAgent
	}
	return &Adapter{cfg: cfg, writer: writer, ids: ids}, nil
}

// Name implements crawler.SiteAdapter.
func (a *Adapter) Name() string { return Name }

func (a *Adapter) header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", a.cfg.UserAgent)
	return h
}

func (a *Adapter) formPost(target string, form url.Values) crawler.Request {
	h := a.header()
	h.Set("Content-Type", formContentType)
	return crawler.Request{Method: http.MethodPost, URL: target, Header: h, Body: []byte(form.Encode())}
}

// BuildListRequest implements crawler.SiteAdapter.
func (a *Adapter) BuildListRequest(page int) (crawler.Request, error) {
	rows := fmt.Sprint(a.cfg.Rows)
	return a.formPost(a.cfg.ListURL, url.Values{
		"pageNo":  {fmt.Sprint(page)},
		"keyWord": {""},
		"row":     {rows},
		"page":    {rows},
	}), nil
}

type listResponse struct {
	Object *struct {
		List []struct {
			DocumentID   string `json:"documentid"`
			DocumentName string `json:"documentname"`
		} `json:"list"`
	} `json:"object"`
}

// ParseListPage implements crawler.SiteAdapter.
func (a *Adapter) ParseListPage(_ int, resp crawler.Response) ([]crawler.Item, error) {
	var body listResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, crawler.Corrupt("decode cebpubservice listing: %v", err)
	}
	if body.Object == nil {
		return nil, nil
	}
	items := make([]crawler.Item, 0, len(body.Object.List))
	for _, doc := range body.Object.List {
		if doc.DocumentID == "" {
			continue
		}
		items = append(items, crawler.Item{ID: doc.DocumentID, Title: doc.DocumentName})
	}
	return items, nil
}

// BuildItemRequest returns the first-stage request; downloads go through
// the Resolver methods.
func (a *Adapter) BuildItemRequest(item crawler.Item) (crawler.Request, error) {
	return a.BuildResolveRequest(item)
}

// BuildResolveRequest implements crawler.Resolver.
func (a *Adapter) BuildResolveRequest(item crawler.Item) (crawler.Request, error) {
	return a.formPost(a.cfg.ResolveURL, url.Values{"documentId": {item.ID}}), nil
}

type detailResponse struct {
	Object *struct {
		NewFileID1 string `json:"newFileId1"`
	} `json:"object"`
}

// ParseResolution implements crawler.Resolver. A missing GUID usually means
// the request was blocked, so it is reported as a corrupt payload.
func (a *Adapter) ParseResolution(item crawler.Item, resp crawler.Response) (crawler.Resolution, error) {
	var body detailResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return crawler.Resolution{}, crawler.Corrupt("decode document %s details: %v", item.ID, err)
	}
	if body.Object == nil || body.Object.NewFileID1 == "" {
		return crawler.Resolution{}, crawler.Corrupt("document %s has no file guid", item.ID)
	}
	return crawler.Resolution{Token: body.Object.NewFileID1}, nil
}

// BuildDownloadRequest implements crawler.Resolver.
func (a *Adapter) BuildDownloadRequest(item crawler.Item, res crawler.Resolution) (crawler.Request, error) {
	u, err := url.Parse(a.cfg.DownloadAPI)
	if err != nil {
		return crawler.Request{}, fmt.Errorf("parse download api: %w", err)
	}
	q := u.Query()
	q.Set("guid", res.Token)
	q.Set("documentId", item.ID)
	q.Set("type", "yes")
	u.RawQuery = q.Encode()
	h := a.header()
	h.Set("Connection", "keep-alive")
	return crawler.Request{Method: http.MethodPost, URL: u.String(), Header: h}, nil
}

// PersistArtifact implements crawler.SiteAdapter.
func (a *Adapter) PersistArtifact(ctx context.Context, item crawler.Item, resp crawler.Response) (crawler.StoredLocation, error) {
	name, err := a.filename(resp)
	if err != nil {
		return crawler.StoredLocation{}, fmt.Errorf("artifact name for %s: %w", item.ID, err)
	}
	return a.writer.Write(ctx, artifact.SafeName(name), artifact.ContentType(resp, "application/octet-stream"), resp.Body)
}

var dispositionName = regexp.MustCompile(`filename="(.*)"`)

// filename reads the quoted filename of the Content-Disposition header,
// percent-decoded, falling back to a random hex name.
func (a *Adapter) filename(resp crawler.Response) (string, error) {
	if name := DispositionFilename(resp.Header.Get("Content-Disposition")); name != "" {
		return name, nil
	}
	return a.ids.NewHex()
}

// DispositionFilename extracts a filename from a Content-Disposition value.
func DispositionFilename(value string) string {
	if value == "" {
		return ""
	}
	if m := dispositionName.FindStringSubmatch(value); m != nil {
		if unescaped, err := url.PathUnescape(m[1]); err == nil {
			return unescaped
		}
		return m[1]
	}
	if _, params, err := mime.ParseMediaType(value); err == nil {
		return strings.TrimSpace(params["filename"])
	}
	return ""
}

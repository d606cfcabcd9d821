package hebeieb

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/hash/sha256"
	"github.com/JakeFAU/tspider/internal/sites/artifact"
	"github.com/JakeFAU/tspider/internal/storage/memory"
)

const listingFixture = `<div class="publicont">
  <div><h4><a href="/tender/xxgk/zbggDetail.do?categoryid=101&infoid=A1" title="石家庄市道路改造工程招标公告">石家庄市...</a></h4></div>
</div>
<div class="publicont">
  <div><h4><a href="zbggDetail.do?categoryid=102&infoid=B2">保定供水项目</a></h4></div>
</div>
<div class="publicont">
  <div><h4><a href="/tender/xxgk/zbggDetail.do?infoid=C3" title="no category">x</a></h4></div>
</div>
<div class="other"><div><h4><a href="/x?categoryid=9&infoid=9">ignored</a></h4></div></div>`

const detailFixture = `<html><body>
<div id="article_con"><div><table class="t"><tr><td>招标人</td></tr></table></div></div>
</body></html>`

func newAdapter(t *testing.T) (*Adapter, *memory.BlobStore) {
	t.Helper()
	blobs := memory.NewBlobStore()
	a, err := New(DefaultConfig(), artifact.NewWriter(blobs, sha256.New(), ""))
	require.NoError(t, err)
	return a, blobs
}

func TestBuildListRequest(t *testing.T) {
	t.Parallel()
	a, _ := newAdapter(t)

	req, err := a.BuildListRequest(2)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "XMLHttpRequest", req.Header.Get("X-Requested-With"))
	assert.Contains(t, req.Header.Get("Referer"), "selectype=zbgg")
	form, err := url.ParseQuery(string(req.Body))
	require.NoError(t, err)
	assert.Equal(t, "2", form.Get("page"))
	assert.Equal(t, "ggname", form.Get("KeyType"))
}

func TestParseListPage(t *testing.T) {
	t.Parallel()
	a, _ := newAdapter(t)

	items, err := a.ParseListPage(1, crawler.Response{Body: []byte(listingFixture)})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "101###A1", items[0].ID)
	assert.Equal(t, "石家庄市道路改造工程招标公告", items[0].Title)
	assert.Equal(t, "http://www.hebeieb.com/tender/xxgk/zbggDetail.do?categoryid=101&infoid=A1", items[0].URL)

	assert.Equal(t, "102###B2", items[1].ID)
	assert.Equal(t, "保定供水项目", items[1].Title, "falls back to link text")
	assert.Equal(t, "B2", items[1].Meta["infoid"])
}

func TestParseEmptyListPage(t *testing.T) {
	t.Parallel()
	a, _ := newAdapter(t)
	items, err := a.ParseListPage(9, crawler.Response{Body: []byte("<html></html>")})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestBuildItemRequest(t *testing.T) {
	t.Parallel()
	a, _ := newAdapter(t)

	req, err := a.BuildItemRequest(crawler.Item{ID: "101###A1"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, "101", u.Query().Get("categoryid"))
	assert.Equal(t, "A1", u.Query().Get("infoid"))

	_, err = a.BuildItemRequest(crawler.Item{ID: "no-separator"})
	assert.Error(t, err)
}

func TestPersistArtifactSavesTable(t *testing.T) {
	t.Parallel()
	a, blobs := newAdapter(t)
	item := crawler.Item{ID: "101###A1", Title: "石家庄市道路改造工程招标公告"}

	loc, err := a.PersistArtifact(context.Background(), item, crawler.Response{Body: []byte(detailFixture)})
	require.NoError(t, err)
	assert.Equal(t, "石家庄市道路改造工程招标公告.html", loc.Filename)

	data, ok := blobs.Object(loc.Filename)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(data), `<table class="t">`))
	assert.Contains(t, string(data), "招标人")
}

func TestPersistArtifactMissingTableIsCorrupt(t *testing.T) {
	t.Parallel()
	a, blobs := newAdapter(t)

	_, err := a.PersistArtifact(context.Background(), crawler.Item{ID: "1###2", Title: "t"}, crawler.Response{Body: []byte("<p>blocked</p>")})
	assert.ErrorIs(t, err, crawler.ErrPayloadCorrupt)
	assert.Zero(t, blobs.Len())
}

func TestSplitID(t *testing.T) {
	t.Parallel()
	c, i, err := SplitID("7###x")
	require.NoError(t, err)
	assert.Equal(t, "7", c)
	assert.Equal(t, "x", i)

	_, _, err = SplitID("###x")
	assert.Error(t, err)
}

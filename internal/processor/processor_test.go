package processor

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crawlcore/internal/config"
	"crawlcore/internal/core"
)

func TestProcessStripsAdsScriptsAndExtractsLinks(t *testing.T) {
	body := []byte(`<html><body>
		<script>evil()</script>
		<div class="ad-banner">buy now</div>
		<p>Hello <a href="/next">next page</a> and <a href="#top">skip</a></p>
	</body></html>`)

	u, err := url.Parse("https://example.com/start")
	require.NoError(t, err)
	tr := core.NewTrace(core.TraceID(u), u, "batch-1")

	p := NewHTMLProcessor(config.PreprocessConfig{
		RemoveAds:     true,
		RemoveScripts: true,
		ExtractLinks:  true,
		AdSelectors:   []string{"[class*='ad-']"},
	})

	result := &core.FetchResult{Content: [][]byte{body}}
	err = p.Process(context.Background(), tr, result)
	require.NoError(t, err)

	content, ok := result.Processed["content"].(*ProcessedContent)
	require.True(t, ok)

	assert.NotContains(t, string(content.CleanHTML), "evil()")
	assert.NotContains(t, string(content.CleanHTML), "buy now")
	assert.Contains(t, content.ExtractedText, "Hello")
	require.Len(t, content.Links, 1)
	assert.Equal(t, "https://example.com/next", content.Links[0])
}

func TestProcessRejectsEmptyResult(t *testing.T) {
	p := NewHTMLProcessor(config.PreprocessConfig{})
	u, _ := url.Parse("https://example.com/")
	tr := core.NewTrace(core.TraceID(u), u, "batch-1")

	err := p.Process(context.Background(), tr, &core.FetchResult{})
	assert.Error(t, err)
}

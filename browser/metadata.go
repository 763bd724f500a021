package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/go-rod/rod"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/adscope/adscope/overlay"
)

// maxExcerptRunes caps the markdown excerpt attached to capture records.
const maxExcerptRunes = 2000

// maxTitleBody caps how much of a page we read when fetching a title over
// plain HTTP.
const maxTitleBody = 1 << 20

// titlePolicy strips any markup that leaks into page titles.
var titlePolicy = bluemonday.StrictPolicy()

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
	),
)

// PageContext reads the capture target's URL and title, sanitized for
// storage, plus a markdown excerpt of its content for the analyzer.
func PageContext(ctx context.Context, page *rod.Page) overlay.PageContext {
	pc := overlay.PageContext{}

	info, err := page.Context(ctx).Info()
	if err == nil {
		pc.SourceURL = info.URL
		pc.PageTitle = strings.TrimSpace(titlePolicy.Sanitize(info.Title))
	}

	pc.PageExcerpt = pageExcerpt(ctx, page, pc.SourceURL)
	return pc
}

// pageExcerpt converts the page's DOM to markdown and truncates it. Failures
// degrade to an empty excerpt; the capture itself never depends on this.
func pageExcerpt(ctx context.Context, page *rod.Page, sourceURL string) string {
	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return ""
	}

	md, err := mdConverter.ConvertString(res.Value.Str(), converter.WithDomain(sourceURL))
	if err != nil {
		return ""
	}

	md = strings.TrimSpace(md)
	runes := []rune(md)
	if len(runes) > maxExcerptRunes {
		md = string(runes[:maxExcerptRunes])
	}
	return md
}

// FetchTitle retrieves a page title over plain HTTP, for captures supplied
// by a client (START_SCREEN_CAPTURE with imageData) where no browser tab is
// attached. The body read is bounded.
func FetchTitle(ctx context.Context, client *http.Client, pageURL string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("browser: title request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("browser: fetch title: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("browser: fetch title: status %d", resp.StatusCode)
	}

	title, err := extractTitle(io.LimitReader(resp.Body, maxTitleBody))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(titlePolicy.Sanitize(title)), nil
}

// extractTitle streams tokens until the first <title> text node.
func extractTitle(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return "", nil
			}
			return "", fmt.Errorf("browser: parse html: %w", z.Err())
		case html.StartTagToken:
			name, _ := z.TagName()
			inTitle = string(name) == "title"
		case html.TextToken:
			if inTitle {
				return string(z.Text()), nil
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}

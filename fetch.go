package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// HTTP timeout for each fetch
	FetchTimeout = 30 * time.Second

	// User agent for HTTP requests
	FetchUserAgent = "LLM-Council-Backend/1.0"

	// Cap on extracted text so a large page cannot blow up a prompt
	MaxFetchedContentLen = 20000
)

// FetchURLContent downloads a page and extracts its readable text so it can
// be attached to a query as context. Script, style and navigation chrome are
// stripped; the result is "Title\n\ntext", truncated to MaxFetchedContentLen.
func FetchURLContent(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	client := &http.Client{Timeout: FetchTimeout}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", FetchUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("URL returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	return ExtractReadableText(doc), nil
}

// ExtractReadableText pulls the title and visible body text out of a parsed
// document, collapsing whitespace.
func ExtractReadableText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())

	// Prefer the semantic content containers when the page has them.
	body := doc.Find("main, article")
	if body.Length() == 0 {
		body = doc.Find("body")
	}

	var parts []string
	body.Find("h1, h2, h3, h4, p, li, pre, blockquote").Each(func(i int, s *goquery.Selection) {
		if text := collapseWhitespace(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	text := strings.Join(parts, "\n")
	if text == "" {
		text = collapseWhitespace(body.Text())
	}

	out := text
	if title != "" {
		out = title + "\n\n" + text
	}
	if len(out) > MaxFetchedContentLen {
		out = out[:MaxFetchedContentLen]
	}
	return out
}

// collapseWhitespace trims and squeezes runs of whitespace into single
// spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

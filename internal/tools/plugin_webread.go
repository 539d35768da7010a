package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/net/html"

	"codeberg.org/readeck/go-readability/v2"
)

const (
	webReadTimeout   = 30 * time.Second
	webReadMaxLength = 8000
)

// WebReadPlugin fetches a page, extracts the main article content and
// returns it as markdown for the LLM to summarize aloud.
type WebReadPlugin struct {
	client *http.Client
}

func NewWebReadPlugin() *WebReadPlugin {
	return &WebReadPlugin{
		client: &http.Client{
			Timeout: webReadTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

func (p *WebReadPlugin) Name() string { return "web_read" }

func (p *WebReadPlugin) Description() string {
	return "Fetches a web page and returns its main content as clean markdown. Use when the user asks to read or summarize a specific URL."
}

func (p *WebReadPlugin) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (p *WebReadPlugin) Execute(ctx context.Context, args map[string]any) (Result, error) {
	pageURL, ok := args["url"].(string)
	if !ok || pageURL == "" {
		return Result{}, fmt.Errorf("url is required")
	}

	body, finalURL, err := p.fetch(ctx, pageURL)
	if err != nil {
		return Result{}, err
	}

	title, content := extractContent(body, finalURL)

	markdown, err := htmltomarkdown.ConvertString(content, converter.WithDomain(finalURL))
	if err != nil {
		return Result{}, fmt.Errorf("failed to convert to markdown: %w", err)
	}
	markdown = cleanMarkdown(markdown)
	if len(markdown) > webReadMaxLength {
		markdown = truncateMarkdown(markdown, webReadMaxLength)
	}

	payload := markdown
	if title != "" {
		payload = "# " + title + "\n\n" + markdown
	}

	return Result{Action: ActionRequestLLM, Result: payload}, nil
}

func (p *WebReadPlugin) fetch(ctx context.Context, pageURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Auralis/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(body), resp.Request.URL.String(), nil
}

// extractContent runs readability over the page and falls back to the raw
// HTML with a tokenizer-scraped title when extraction fails.
func extractContent(htmlContent, pageURL string) (string, string) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		parsedURL = &url.URL{Scheme: "https", Host: "localhost"}
	}

	article, err := readability.FromReader(strings.NewReader(htmlContent), parsedURL)
	if err != nil {
		return scrapeTitle(htmlContent), htmlContent
	}

	var buf strings.Builder
	if err := article.RenderHTML(&buf); err != nil {
		return article.Title(), htmlContent
	}
	return article.Title(), buf.String()
}

// scrapeTitle pulls the <title> element out of raw HTML.
func scrapeTitle(htmlContent string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlContent))
	inTitle := false
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			inTitle = string(name) == "title"
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}

func cleanMarkdown(md string) string {
	lines := strings.Split(md, "\n")
	var result []string
	blankCount := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blankCount++
			if blankCount <= 2 {
				result = append(result, "")
			}
		} else {
			blankCount = 0
			result = append(result, strings.TrimRight(line, " \t"))
		}
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

// truncateMarkdown cuts at a paragraph, sentence or word boundary, in that
// order of preference.
func truncateMarkdown(md string, maxLen int) string {
	if len(md) <= maxLen {
		return md
	}

	truncated := md[:maxLen]
	if idx := strings.LastIndex(truncated, "\n\n"); idx > maxLen/2 {
		return truncated[:idx] + "\n\n[content truncated...]"
	}
	if idx := strings.LastIndex(truncated, ". "); idx > maxLen/2 {
		return truncated[:idx+1] + "\n\n[content truncated...]"
	}
	if idx := strings.LastIndex(truncated, " "); idx > maxLen/2 {
		return truncated[:idx] + "...\n\n[content truncated...]"
	}
	return truncated + "..."
}

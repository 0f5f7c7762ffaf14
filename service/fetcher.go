package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// Source 抓取结果
type Source struct {
	Title  string
	Text   string
	Images []string
}

// SourceFetcher 抓取文章正文
type SourceFetcher interface {
	Fetch(ctx context.Context, sourceURL string) (*Source, error)
}

// HTTPFetcher 直接抓取 HTML 页面并抽取标题、段落与图片
type HTTPFetcher struct {
	Client       *http.Client
	UserAgent    string
	MaxTextChars int
}

func NewHTTPFetcher(timeout time.Duration, userAgent string, maxTextChars int) *HTTPFetcher {
	return &HTTPFetcher{
		Client:       &http.Client{Timeout: timeout},
		UserAgent:    userAgent,
		MaxTextChars: maxTextChars,
	}
}

const maxPageBytes = 5 << 20

func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) (*Source, error) {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: sourceURL, Err: fmt.Errorf("status code %d", resp.StatusCode)}
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: fmt.Errorf("parse html: %w", err)}
	}
	src := extractSource(doc, base)
	if src.Text == "" {
		return nil, &FetchError{URL: sourceURL, Err: errors.New("no readable text found")}
	}
	if src.Title == "" {
		src.Title = base.Host
	}
	src.Text = truncateRunes(src.Text, f.MaxTextChars)
	return src, nil
}

type pageExtract struct {
	title        string
	ogTitle      string
	ogImage      string
	articleParas []string
	bodyParas    []string
	images       []string
}

func extractSource(doc *html.Node, base *url.URL) *Source {
	pe := &pageExtract{}
	walkNode(doc, pe, false)

	title := strings.TrimSpace(pe.ogTitle)
	if title == "" {
		title = strings.TrimSpace(pe.title)
	}
	paras := pe.articleParas
	if len(paras) == 0 {
		paras = pe.bodyParas
	}

	seen := map[string]bool{}
	var images []string
	addImage := func(raw string) {
		u := resolveURL(base, raw)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		images = append(images, u)
	}
	if pe.ogImage != "" {
		addImage(pe.ogImage)
	}
	for _, img := range pe.images {
		addImage(img)
	}

	return &Source{
		Title:  title,
		Text:   strings.Join(paras, "\n\n"),
		Images: images,
	}
}

func walkNode(n *html.Node, pe *pageExtract, inArticle bool) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "nav", "footer", "header", "aside":
			return
		case "title":
			if pe.title == "" {
				pe.title = nodeText(n)
			}
			return
		case "meta":
			prop := attr(n, "property")
			if prop == "" {
				prop = attr(n, "name")
			}
			switch prop {
			case "og:title":
				pe.ogTitle = attr(n, "content")
			case "og:image":
				pe.ogImage = attr(n, "content")
			}
		case "article", "main":
			inArticle = true
		case "img":
			if src := attr(n, "src"); src != "" && !strings.HasPrefix(src, "data:") {
				pe.images = append(pe.images, src)
			}
		case "p", "h1", "h2", "h3", "li":
			text := collapseSpaces(nodeText(n))
			if text != "" {
				if inArticle {
					pe.articleParas = append(pe.articleParas, text)
				}
				pe.bodyParas = append(pe.bodyParas, text)
			}
			// 段落内的图片仍需收集
			collectImages(n, pe)
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNode(c, pe, inArticle)
	}
}

func collectImages(n *html.Node, pe *pageExtract) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "img" {
			if src := attr(c, "src"); src != "" && !strings.HasPrefix(src, "data:") {
				pe.images = append(pe.images, src)
			}
		}
		collectImages(c, pe)
	}
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseSpaces(sb.String())
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolveURL(base *url.URL, raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const samplePost = `<!doctype html>
<html><head>
<title>Fallback Title</title>
<meta property="og:title" content="Five Tips for Knee Pain">
<meta property="og:image" content="/images/cover.jpg">
<script>var x = "ignore me";</script>
</head>
<body>
<nav><p>Home | About</p></nav>
<header><p>Clinic header</p></header>
<article>
  <h1>Five Tips for Knee Pain</h1>
  <p>Knee pain is   common after long runs.</p>
  <p>Stretch your quads <img src="https://cdn.example.com/stretch.png"> before exercise.</p>
  <img src="data:image/png;base64,AAAA">
</article>
<aside><p>Subscribe to our newsletter</p></aside>
<footer><p>Copyright</p></footer>
</body></html>`

func TestHTTPFetcher_ExtractsArticle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("user agent not sent")
		}
		_, _ = w.Write([]byte(samplePost))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, "test-agent", 0)
	src, err := f.Fetch(context.Background(), srv.URL+"/blog/knee")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if src.Title != "Five Tips for Knee Pain" {
		t.Fatalf("title = %q", src.Title)
	}
	want := "Five Tips for Knee Pain\n\nKnee pain is common after long runs.\n\nStretch your quads before exercise."
	if src.Text != want {
		t.Fatalf("text = %q", src.Text)
	}
	for _, noise := range []string{"Home", "newsletter", "Copyright", "ignore me", "Clinic header"} {
		if strings.Contains(src.Text, noise) {
			t.Fatalf("text contains boilerplate %q", noise)
		}
	}
	wantImages := []string{srv.URL + "/images/cover.jpg", "https://cdn.example.com/stretch.png"}
	if len(src.Images) != len(wantImages) {
		t.Fatalf("images = %v", src.Images)
	}
	for i := range wantImages {
		if src.Images[i] != wantImages[i] {
			t.Fatalf("images = %v", src.Images)
		}
	}
}

func TestHTTPFetcher_TruncatesAndFallsBackToHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>` + strings.Repeat("é", 50) + `</p></body></html>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5*time.Second, "", 10)
	src, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if src.Text != strings.Repeat("é", 10) {
		t.Fatalf("text not truncated by runes: %q", src.Text)
	}
	if !strings.HasPrefix(src.Title, "127.0.0.1") {
		t.Fatalf("title should fall back to host, got %q", src.Title)
	}
}

func TestHTTPFetcher_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }},
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"no text", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html><body><nav><p>menu</p></nav></body></html>`))
		}},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(tc.handler)
		f := NewHTTPFetcher(5*time.Second, "", 0)
		_, err := f.Fetch(context.Background(), srv.URL)
		srv.Close()
		var fe *FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("%s: expected FetchError, got %v", tc.name, err)
		}
	}
}

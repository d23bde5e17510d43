package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"playwatch/pkg/logx"
)

func TestAppIDFromURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  error
	}{
		{in: "https://play.google.com/store/apps/details?id=org.example.app", want: "org.example.app"},
		{in: "https://play.google.com/store/apps/details?id=org.example.app&hl=en", want: "org.example.app"},
		{in: "  https://play.google.com/store/apps/details?id=org.example.app ", want: "org.example.app"},
		{in: "play.google.com/store/apps/details?id=org.example.app", want: "org.example.app"},
		{in: "https://example.com/store/apps/details?id=org.example.app", err: ErrMalformedLink},
		{in: "https://play.google.com/store/apps", err: ErrMalformedLink},
		{in: "", err: ErrMalformedLink},
	}
	for _, tc := range cases {
		got, err := AppIDFromURL(tc.in)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Errorf("AppIDFromURL(%q): got err %v, want %v", tc.in, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("AppIDFromURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("AppIDFromURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

const classicMarkup = `<html><body>
<h1 itemprop="name">PewPew Live</h1>
<div class="hAyfc"><div class="BgcNfc">Updated</div><span class="htlgb">29 August 2026</span></div>
<div class="hAyfc"><div class="BgcNfc">Current Version</div><span class="htlgb">1.2.3</span></div>
<div class="hAyfc"><div class="BgcNfc">Installs</div><span class="htlgb">1,000,000+</span></div>
</body></html>`

const newerMarkup = `<html><body>
<h1><span>PewPew Live</span></h1>
<div><div class="lXlx5">Version</div><div class="bARER">1.2.3</div></div>
<div><div class="lXlx5">Updated on</div><div class="bARER">29 August 2026</div></div>
</body></html>`

func TestParseDetailsBothMarkups(t *testing.T) {
	for name, markup := range map[string]string{"classic": classicMarkup, "newer": newerMarkup} {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
		if err != nil {
			t.Fatalf("%s: NewDocumentFromReader: %v", name, err)
		}
		d := parseDetails(doc)
		if d.Title != "PewPew Live" {
			t.Errorf("%s: title = %q", name, d.Title)
		}
		if d.Version != "1.2.3" {
			t.Errorf("%s: version = %q", name, d.Version)
		}
		if d.UpdatedOn != "29 August 2026" {
			t.Errorf("%s: updated on = %q", name, d.UpdatedOn)
		}
	}
}

func TestLookupAgainstTestServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "org.example.app":
			_, _ = w.Write([]byte(classicMarkup))
		case "org.example.gone":
			http.NotFound(w, r)
		case "org.example.consent":
			_, _ = w.Write([]byte("<html><body>Before you continue</body></html>"))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, logx.Nop())
	ctx := context.Background()

	d, err := c.Lookup(ctx, "org.example.app")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if d.AppID != "org.example.app" || d.Version != "1.2.3" || d.UpdatedOn != "29 August 2026" {
		t.Fatalf("details = %+v", d)
	}
	if !strings.Contains(d.URL, "id=org.example.app") {
		t.Fatalf("details URL = %q", d.URL)
	}

	if _, err := c.Lookup(ctx, "org.example.gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("gone app: got %v, want ErrNotFound", err)
	}
	// A 200 interstitial without app markup reads as not found, not as data.
	if _, err := c.Lookup(ctx, "org.example.consent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("consent page: got %v, want ErrNotFound", err)
	}
	if _, err := c.Lookup(ctx, "org.example.boom"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("server error: got %v, want ErrUnreachable", err)
	}
}

func TestReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, logx.Nop())
	ctx := context.Background()

	if err := c.Reachable(ctx, srv.URL+"/ok"); err != nil {
		t.Fatalf("ok page: %v", err)
	}
	if err := c.Reachable(ctx, srv.URL+"/gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("gone page: got %v, want ErrNotFound", err)
	}
	if err := c.Reachable(ctx, srv.URL+"/down"); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("down page: got %v, want ErrUnreachable", err)
	}
}

func TestDetailsURL(t *testing.T) {
	c := NewClient(Config{}, logx.Nop())
	got := c.DetailsURL("org.example.app")
	want := "https://play.google.com/store/apps/details?id=org.example.app&hl=en"
	if got != want {
		t.Fatalf("DetailsURL = %q, want %q", got, want)
	}
}

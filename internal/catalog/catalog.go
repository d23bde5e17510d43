// Package catalog fetches app metadata from the Google Play web catalog.
//
// Play has no public metadata API, so the client scrapes the store's details
// page. Selectors live in one place (parseDetails) to keep markup churn
// contained.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"playwatch/pkg/logx"
)

var (
	// ErrNotFound reports that the catalog has no entry for the app id.
	ErrNotFound = errors.New("catalog: app not found")
	// ErrMalformedLink reports a store URL the app id cannot be read from.
	ErrMalformedLink = errors.New("catalog: malformed store link")
	// ErrUnreachable reports that the store page did not answer with a
	// usable response.
	ErrUnreachable = errors.New("catalog: store unreachable")
)

// Details is the metadata scraped from one details page.
type Details struct {
	AppID   string
	Title   string
	Version string
	// UpdatedOn is the vendor-reported release date as shown on the page,
	// e.g. "12 August 2026". Day granularity; no time component.
	UpdatedOn string
	URL       string
}

type Config struct {
	// BaseURL overrides the store origin, mainly for tests.
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

const (
	defaultBaseURL   = "https://play.google.com"
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) playwatch/1.0"
)

type Client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	log       logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		log:       log.With(logx.String("component", "catalog")),
	}
}

// AppIDFromURL extracts the package id from a store link. Accepted links
// carry the id in the query, e.g.
// https://play.google.com/store/apps/details?id=org.example.app&hl=en.
func AppIDFromURL(link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedLink, err)
	}
	if u.Host != "" && !strings.HasSuffix(u.Host, "play.google.com") {
		return "", fmt.Errorf("%w: host %q", ErrMalformedLink, u.Host)
	}
	id := u.Query().Get("id")
	if id == "" {
		// Tolerate links pasted without proper query encoding.
		if _, rest, ok := strings.Cut(link, "id="); ok {
			id, _, _ = strings.Cut(rest, "&")
		}
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, " /?") {
		return "", fmt.Errorf("%w: no app id in %q", ErrMalformedLink, link)
	}
	return id, nil
}

// DetailsURL returns the canonical details page for an app id.
func (c *Client) DetailsURL(appID string) string {
	return c.baseURL + "/store/apps/details?id=" + url.QueryEscape(appID) + "&hl=en"
}

// Lookup fetches and parses the details page for one app id.
func (c *Client) Lookup(ctx context.Context, appID string) (Details, error) {
	pageURL := c.DetailsURL(appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Details{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := c.http.Do(req)
	if err != nil {
		return Details{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Details{}, fmt.Errorf("%w: %s", ErrNotFound, appID)
	case resp.StatusCode != http.StatusOK:
		return Details{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Details{}, fmt.Errorf("catalog: parse %s: %w", appID, err)
	}

	d := parseDetails(doc)
	d.AppID = appID
	d.URL = pageURL
	if d.Title == "" && d.Version == "" {
		// A 200 without recognizable markup usually means a consent or
		// error interstitial.
		c.log.Warn("details page had no recognizable metadata", logx.String("app_id", appID))
		return Details{}, fmt.Errorf("%w: %s", ErrNotFound, appID)
	}
	return d, nil
}

// Reachable probes the given store URL and reports nil when the page answers
// with a success status. A 404 maps to ErrNotFound so callers can tell a
// pulled app apart from a store outage.
func (c *Client) Reachable(ctx context.Context, pageURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedLink, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// parseDetails pulls title, version and release date out of the page.
// The store has shipped two generations of markup for the "additional
// information" block; both are tried.
func parseDetails(doc *goquery.Document) Details {
	var d Details

	d.Title = strings.TrimSpace(doc.Find(`h1[itemprop="name"]`).First().Text())
	if d.Title == "" {
		d.Title = strings.TrimSpace(doc.Find("h1 span").First().Text())
	}

	// Classic layout: label/value pairs in div.hAyfc blocks.
	doc.Find("div.hAyfc").Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Find("div.BgcNfc").Text())
		value := strings.TrimSpace(s.Find("span.htlgb").First().Text())
		switch label {
		case "Current Version":
			if d.Version == "" {
				d.Version = value
			}
		case "Updated":
			if d.UpdatedOn == "" {
				d.UpdatedOn = value
			}
		}
	})

	// Newer layout: the same pairs rendered as sibling divs inside the
	// about-app dialog.
	if d.Version == "" || d.UpdatedOn == "" {
		doc.Find("div").Each(func(_ int, s *goquery.Selection) {
			label := strings.TrimSpace(s.Find("div.lXlx5").First().Text())
			if label == "" {
				return
			}
			value := strings.TrimSpace(s.Find("div.bARER").First().Text())
			switch label {
			case "Version", "Current Version":
				if d.Version == "" {
					d.Version = value
				}
			case "Updated on", "Updated":
				if d.UpdatedOn == "" {
					d.UpdatedOn = value
				}
			}
		})
	}

	return d
}

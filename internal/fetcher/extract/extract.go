// Package extract normalizes upstream result pages into search records. It is
// the only place that knows the upstream markup.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scrapecache/internal/hash/sha256"
	"github.com/JakeFAU/scrapecache/internal/search"
)

// Selectors locate record fields inside a result page. Field selectors are
// evaluated relative to each Item match.
type Selectors struct {
	Item      string `mapstructure:"item"`
	Title     string `mapstructure:"title"`
	Link      string `mapstructure:"link"`
	Price     string `mapstructure:"price"`
	Year      string `mapstructure:"year"`
	Mileage   string `mapstructure:"mileage"`
	Location  string `mapstructure:"location"`
	Image     string `mapstructure:"image"`
	Posted    string `mapstructure:"posted"`
	NoResults string `mapstructure:"no_results"`
}

// DefaultSelectors matches the common listing-card markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:      "[data-listing-id], .listing, .result-item",
		Title:     "h2, h3, .title",
		Link:      "a[href]",
		Price:     ".price, [data-price]",
		Year:      ".year",
		Mileage:   ".mileage, .odometer",
		Location:  ".location",
		Image:     "img",
		Posted:    "time[datetime]",
		NoResults: ".no-results, [data-no-results]",
	}
}

// Result is one parsed page.
type Result struct {
	Records []search.Record
	// NoResultsMarker is set when the page explicitly states there are no
	// matches.
	NoResultsMarker bool
}

var (
	ids        = sha256.New(24)
	pricePat   = regexp.MustCompile(`([$€£])?\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	yearPat    = regexp.MustCompile(`\b(19[5-9][0-9]|20[0-9]{2})\b`)
	nonDigits  = regexp.MustCompile(`[^0-9]`)
	currencies = map[string]string{"$": "USD", "€": "EUR", "£": "GBP"}
	knownAttrs = map[string]bool{"data-id": true, "data-listing-id": true}
)

// Parse extracts every record on the page. baseURL resolves relative links.
func Parse(body []byte, baseURL string, sel Selectors) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse result page: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		base = &url.URL{}
	}

	var res Result
	if sel.NoResults != "" {
		res.NoResultsMarker = doc.Find(sel.NoResults).Length() > 0
	}
	if sel.Item == "" {
		return res, nil
	}
	doc.Find(sel.Item).Each(func(_ int, s *goquery.Selection) {
		if rec, ok := parseItem(s, base, sel); ok {
			res.Records = append(res.Records, rec)
		}
	})
	return res, nil
}

func parseItem(s *goquery.Selection, base *url.URL, sel Selectors) (search.Record, bool) {
	title := text(s, sel.Title)
	link := resolve(base, first(s, sel.Link).AttrOr("href", ""))
	if title == "" && link == "" {
		return search.Record{}, false
	}

	rec := search.Record{
		ID:       s.AttrOr("data-id", s.AttrOr("data-listing-id", "")),
		Title:    title,
		URL:      link,
		Location: text(s, sel.Location),
	}
	if rec.ID == "" {
		rec.ID = ids.HashParts(link, title)
	}

	priceText := text(s, sel.Price)
	if priceText == "" {
		priceText = first(s, sel.Price).AttrOr("data-price", "")
	}
	rec.Price, rec.Currency = parsePrice(priceText)

	if year, ok := parseYear(text(s, sel.Year)); ok {
		rec.Year = &year
	} else if year, ok := parseYear(title); ok {
		rec.Year = &year
	}
	if miles, err := strconv.Atoi(nonDigits.ReplaceAllString(text(s, sel.Mileage), "")); err == nil {
		rec.Mileage = &miles
	}

	img := first(s, sel.Image)
	if src := img.AttrOr("src", img.AttrOr("data-src", "")); src != "" {
		rec.ImageURL = resolve(base, src)
	}
	if ts, ok := first(s, sel.Posted).Attr("datetime"); ok {
		if posted, err := time.Parse(time.RFC3339, ts); err == nil {
			posted = posted.UTC()
			rec.PostedAt = &posted
		}
	}
	rec.Extra = dataAttrs(s)
	return rec, true
}

func first(s *goquery.Selection, selector string) *goquery.Selection {
	if selector == "" {
		return s.Slice(0, 0)
	}
	return s.Find(selector).First()
}

func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(first(s, selector).Text()), " ")
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

func parsePrice(raw string) (*float64, string) {
	m := pricePat.FindStringSubmatch(raw)
	if m == nil {
		return nil, ""
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return nil, ""
	}
	currency := currencies[m[1]]
	if currency == "" {
		for _, code := range []string{"USD", "EUR", "GBP", "CAD"} {
			if strings.Contains(strings.ToUpper(raw), code) {
				currency = code
				break
			}
		}
	}
	return &v, currency
}

func parseYear(raw string) (int, bool) {
	m := yearPat.FindString(raw)
	if m == "" {
		return 0, false
	}
	year, err := strconv.Atoi(m)
	return year, err == nil
}

// dataAttrs copies data-* attributes that have no dedicated field.
func dataAttrs(s *goquery.Selection) map[string]string {
	if len(s.Nodes) == 0 {
		return nil
	}
	var extra map[string]string
	for _, attr := range s.Nodes[0].Attr {
		if !strings.HasPrefix(attr.Key, "data-") || knownAttrs[attr.Key] {
			continue
		}
		if extra == nil {
			extra = make(map[string]string)
		}
		extra[strings.TrimPrefix(attr.Key, "data-")] = attr.Val
	}
	return extra
}

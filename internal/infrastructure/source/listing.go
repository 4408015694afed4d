package source

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bibharvest/internal/domain"
)

// Listing walks one page of an organization's HTML listing and extracts the
// record identifiers linked from it. done is true once a short page signals
// the end of the walk.
func (c *Client) Listing(ctx context.Context, org domain.Organization, cursor int) ([]string, int, bool, error) {
	pageURL, err := buildPageURL(org.ListingURL, cursor, c.opts.PageSize)
	if err != nil {
		return nil, 0, false, fmt.Errorf("organization %s: %w", org.ID, err)
	}

	var body []byte
	err = c.exec.Execute(ctx, func(ctx context.Context) error {
		raw, err := c.get(ctx, pageURL, "text/html")
		if err != nil {
			return err
		}
		body = raw
		return nil
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("organization %s: %w", org.ID, err)
	}

	ids, err := extractIdentifiers(body)
	if err != nil {
		return nil, 0, false, fmt.Errorf("organization %s: %w", org.ID, err)
	}

	c.logger.Debug("listing page walked",
		"org", org.ID, "cursor", cursor, "identifiers", len(ids))

	done := len(ids) < c.opts.PageSize
	return ids, cursor + c.opts.PageSize, done, nil
}

// extractIdentifiers pulls record slugs out of /pub/ anchors, first
// occurrence wins.
func extractIdentifiers(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	var ids []string
	seen := map[string]struct{}{}
	doc.Find("a[href*=\"/pub/\"]").Each(func(i int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		id := slugFromHref(href)
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	})
	return ids, nil
}

func slugFromHref(href string) string {
	idx := strings.Index(href, "/pub/")
	if idx < 0 {
		return ""
	}
	rest := strings.TrimPrefix(href[idx:], "/pub/")
	if cut := strings.IndexAny(rest, "/?#"); cut >= 0 {
		rest = rest[:cut]
	}
	return strings.TrimSpace(rest)
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid listing url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("skip", strconv.Itoa(skip))
	query.Set("show", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

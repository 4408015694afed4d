// Package source implements the HTTP client for the remote content
// platform: organization listing walks, record detail fetches, and
// attachment downloads, all issued through the shared retry executor.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bibharvest/internal/domain"
	"bibharvest/internal/ports"
	"bibharvest/internal/reliability"
)

// Options configures the client.
type Options struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	PageSize      int
	AttachmentDir string
}

// Client fetches listings, record detail, and attachments. All network
// calls run through the run-wide retry executor, so rate limiting, circuit
// breaking, and backoff apply uniformly.
type Client struct {
	opts   Options
	http   *http.Client
	exec   *reliability.Executor
	logger *slog.Logger
}

var _ ports.RecordSource = (*Client)(nil)

// NewClient wires an HTTP client; pageSize defaults to 100.
func NewClient(opts Options, exec *reliability.Executor, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, http: httpClient, exec: exec, logger: logger}
}

// Record fetches the full metadata record for an identifier from the JSON
// API. Parse failures are returned as DataError and never retried.
func (c *Client) Record(ctx context.Context, id string) (domain.RawRecord, error) {
	url := fmt.Sprintf("%s/api/pubs/%s", strings.TrimSuffix(c.opts.BaseURL, "/"), id)

	var body []byte
	err := c.exec.Execute(ctx, func(ctx context.Context) error {
		raw, err := c.get(ctx, url, "application/json")
		if err != nil {
			return err
		}
		body = raw
		return nil
	})
	if err != nil {
		return domain.RawRecord{}, err
	}

	record, err := parseRecord(id, body)
	if err != nil {
		return domain.RawRecord{}, err
	}
	return record, nil
}

// Attachment downloads the binary behind url into the attachment directory
// and verifies a non-zero size before the final rename. Local write
// failures come back as LocalIOError; they are fatal for the phase.
func (c *Client) Attachment(ctx context.Context, url, recordID string) (string, int64, error) {
	if err := os.MkdirAll(c.opts.AttachmentDir, 0o755); err != nil {
		return "", 0, &domain.LocalIOError{Path: c.opts.AttachmentDir, Err: err}
	}

	dest := filepath.Join(c.opts.AttachmentDir, sanitizeName(recordID)+".pdf")

	var size int64
	err := c.exec.Execute(ctx, func(ctx context.Context) error {
		n, err := c.download(ctx, url, dest)
		if err != nil {
			return err
		}
		size = n
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	if size == 0 {
		os.Remove(dest)
		return "", 0, fmt.Errorf("attachment %s for %s is empty", url, recordID)
	}
	return dest, size, nil
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &reliability.RequestError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &reliability.RequestError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &reliability.RequestError{URL: url, Err: err}
	}
	return body, nil
}

// download streams the response to a temp file and renames it into place so
// an interrupted transfer never leaves a partial attachment behind.
func (c *Client) download(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &reliability.RequestError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &reliability.RequestError{URL: url, Status: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, &domain.LocalIOError{Path: dest, Err: err}
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, &reliability.RequestError{URL: url, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, &domain.LocalIOError{Path: dest, Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, &domain.LocalIOError{Path: dest, Err: err}
	}
	return n, nil
}

// wire types for the record detail endpoint.
type recordPayload struct {
	ID           string               `json:"id"`
	Slug         string               `json:"slug"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Attributions []attributionPayload `json:"attributions"`
	Collections  []collectionPayload  `json:"collectionPubs"`
	Downloads    []downloadPayload    `json:"downloads"`
	CreatedAt    string               `json:"createdAt"`
	UpdatedAt    string               `json:"updatedAt"`
}

type attributionPayload struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation"`
	ORCID       string `json:"orcid"`
	IsAuthor    bool   `json:"isAuthor"`
	Order       int    `json:"order"`
}

type collectionPayload struct {
	Collection struct {
		Slug  string `json:"slug"`
		Title string `json:"title"`
	} `json:"collection"`
}

type downloadPayload struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

func parseRecord(id string, body []byte) (domain.RawRecord, error) {
	var payload recordPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.RawRecord{}, &domain.DataError{RecordID: id, Reason: "invalid JSON"}
	}
	if payload.ID == "" {
		payload.ID = payload.Slug
	}
	if payload.ID == "" {
		return domain.RawRecord{}, &domain.DataError{RecordID: id, Reason: "missing identifier"}
	}
	if payload.Title == "" {
		return domain.RawRecord{}, &domain.DataError{RecordID: id, Reason: "missing title"}
	}

	record := domain.RawRecord{
		ID:          payload.ID,
		Slug:        payload.Slug,
		Title:       payload.Title,
		Description: payload.Description,
		CreatedAt:   parseTime(payload.CreatedAt),
		UpdatedAt:   parseTime(payload.UpdatedAt),
		DownloadURL: pickDownload(payload.Downloads),
	}
	for _, a := range payload.Attributions {
		record.Attributions = append(record.Attributions, domain.Attribution{
			Name:        a.Name,
			Affiliation: a.Affiliation,
			ORCID:       a.ORCID,
			IsAuthor:    a.IsAuthor,
			Order:       a.Order,
		})
	}
	for _, cp := range payload.Collections {
		if cp.Collection.Slug == "" {
			continue
		}
		record.Collections = append(record.Collections, domain.CollectionRef{
			Slug:  cp.Collection.Slug,
			Title: cp.Collection.Title,
		})
	}
	return record, nil
}

// pickDownload prefers the formatted (typeset) artifact over raw exports.
func pickDownload(downloads []downloadPayload) string {
	for _, d := range downloads {
		if d.Type == "formatted" && d.URL != "" {
			return d.URL
		}
	}
	for _, d := range downloads {
		if d.URL != "" {
			return d.URL
		}
	}
	return ""
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func sanitizeName(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	return replacer.Replace(name)
}

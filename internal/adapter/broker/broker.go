package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jgivc/dumpsearch/internal/common"
	"github.com/jgivc/dumpsearch/internal/entity"
)

const (
	searchPath = "/search"

	dataTypeUpdates = "updates"
	dataTypeRib     = "rib"

	maxErrorBody = 512
)

type item struct {
	URL         string    `json:"url"`
	CollectorID string    `json:"collector_id"`
	DataType    string    `json:"data_type"`
	TsStart     time.Time `json:"ts_start"`
	TsEnd       time.Time `json:"ts_end"`
	RoughSize   int64     `json:"rough_size"`
}

type response struct {
	Data     []item `json:"data"`
	Count    int    `json:"count"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Error    string `json:"error"`
}

// Client queries a broker-style catalog service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout}, log)
}

func NewClientWithHTTP(baseURL string, client *http.Client, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log.With(slog.String("item", "BrokerClient")),
	}
}

// Search fetches one 1-based page of file descriptors matching the spec.
func (c *Client) Search(ctx context.Context, spec entity.FilterSpec, page, pageSize int) ([]entity.FileDescriptor, error) {
	u := c.baseURL + searchPath + "?" + query(spec, page, pageSize).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot query catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, fmt.Errorf("%w: HTTP %d from %s: %s", common.ErrUnexpectedResponseStatus,
			resp.StatusCode, u, strings.TrimSpace(string(body)))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("cannot decode catalog response: %w", err)
	}

	if r.Error != "" {
		return nil, fmt.Errorf("catalog returned error: %s", r.Error)
	}

	c.log.Debug("Catalog page", slog.Int("page", page), slog.Int("count", len(r.Data)))

	descriptors := make([]entity.FileDescriptor, 0, len(r.Data))
	for _, it := range r.Data {
		descriptors = append(descriptors, entity.FileDescriptor{
			URL:             it.URL,
			SourceID:        it.CollectorID,
			ContentType:     contentType(it.DataType),
			TimeStart:       it.TsStart.UTC(),
			TimeEnd:         it.TsEnd.UTC(),
			ApproxSizeBytes: it.RoughSize,
		})
	}

	return descriptors, nil
}

func query(spec entity.FilterSpec, page, pageSize int) url.Values {
	q := url.Values{}
	q.Set("ts_start", spec.TimeStart.UTC().Format(time.RFC3339))
	q.Set("ts_end", spec.TimeEnd.UTC().Format(time.RFC3339))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	if spec.SourceID != "" {
		q.Set("collector_id", spec.SourceID)
	}

	if spec.ProjectID != "" {
		q.Set("project", spec.ProjectID)
	}

	switch spec.ContentType {
	case entity.ContentTypeUpdates:
		q.Set("data_type", dataTypeUpdates)
	case entity.ContentTypeSnapshot:
		q.Set("data_type", dataTypeRib)
	}

	return q
}

func contentType(dataType string) entity.ContentType {
	if dataType == dataTypeRib {
		return entity.ContentTypeSnapshot
	}

	return entity.ContentTypeUpdates
}

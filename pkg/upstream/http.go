package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	C "github.com/mandiear/offline-cache/constant"
	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/utils"
)

const (
	jsonContentType = "application/json"

	defaultMaxBodySize = 16 << 20
	defaultTimeout     = 30 * time.Second
)

var defaultUserAgent = fmt.Sprintf("offline-cache/%s", C.Version)

// HTTPEndpoint reads a JSON array of records with a GET request. An object
// wrapping the array in a "data", "items" or "records" field is accepted too.
type HTTPEndpoint struct {
	urlStr      string
	client      *http.Client
	maxBodySize int64
	userAgent   string
}

func NewHTTPEndpoint(u *url.URL, client *http.Client, maxBodySize int64) *HTTPEndpoint {
	return &HTTPEndpoint{
		urlStr:      u.String(),
		client:      client,
		maxBodySize: maxBodySize,
		userAgent:   defaultUserAgent,
	}
}

func (e *HTTPEndpoint) Address() string {
	return e.urlStr
}

func (e *HTTPEndpoint) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", e.userAgent)

	res, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("http %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); len(ct) > 0 && !strings.HasPrefix(ct, jsonContentType) {
		return nil, fmt.Errorf("invalid content-type: %s", ct)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, e.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > e.maxBodySize {
		return nil, fmt.Errorf("response exceeds maximum size of %d bytes", e.maxBodySize)
	}
	return decodeRecords(body)
}

func decodeRecords(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyResponse
	}

	var records []json.RawMessage
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("malformed body: %w", err)
		}
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("malformed body: %w", err)
		}
		found := false
		for _, k := range []string{"data", "items", "records"} {
			if raw, ok := envelope[k]; ok {
				if err := json.Unmarshal(raw, &records); err != nil {
					return nil, fmt.Errorf("malformed %q field: %w", k, err)
				}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("malformed body: object without a record array")
		}
	default:
		return nil, fmt.Errorf("malformed body: not a json array")
	}

	out := records[:0]
	for _, r := range records {
		if len(bytes.TrimSpace(r)) == 0 || string(r) == "null" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type HTTPSourceOpts struct {
	// Endpoints lists the endpoint URLs of every data type.
	Endpoints map[model.DataType][]string

	// Client is used for all requests. Default is a client with Timeout.
	Client *http.Client

	// Timeout of one request when Client is nil. Default is 30s.
	Timeout time.Duration

	// MaxBodySize of one response. Default is 16MB.
	MaxBodySize int64

	Logger *zap.Logger
}

func (opts *HTTPSourceOpts) Init() {
	utils.SetDefaultNum(&opts.Timeout, defaultTimeout)
	utils.SetDefaultNum(&opts.MaxBodySize, defaultMaxBodySize)
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// HTTPSource fetches each data type from all its endpoints in parallel.
type HTTPSource struct {
	opts      HTTPSourceOpts
	endpoints map[model.DataType][]Endpoint
}

func NewHTTPSource(opts HTTPSourceOpts) (*HTTPSource, error) {
	opts.Init()
	s := &HTTPSource{
		opts:      opts,
		endpoints: make(map[model.DataType][]Endpoint),
	}
	for dt, addrs := range opts.Endpoints {
		if !dt.Valid() {
			return nil, fmt.Errorf("%w: unknown data type %q", model.ErrInvalidArgument, dt)
		}
		for _, addr := range addrs {
			u, err := url.Parse(addr)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid endpoint %q: %v", model.ErrInvalidArgument, addr, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return nil, fmt.Errorf("%w: unsupported endpoint scheme %q", model.ErrInvalidArgument, addr)
			}
			s.endpoints[dt] = append(s.endpoints[dt], NewHTTPEndpoint(u, opts.Client, opts.MaxBodySize))
		}
	}
	return s, nil
}

func (s *HTTPSource) Fetch(ctx context.Context, dt model.DataType) ([]json.RawMessage, error) {
	return FetchParallel(ctx, dt, s.endpoints[dt], s.opts.Logger)
}

// Close closes idle connections.
func (s *HTTPSource) Close() error {
	s.opts.Client.CloseIdleConnections()
	return nil
}

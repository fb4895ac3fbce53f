package upstream

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/utils"
)

// Prober estimates the current connectivity level.
type Prober interface {
	Probe(ctx context.Context) model.ConnectivityLevel
}

type HTTPProberOpts struct {
	// URL of a cheap GET endpoint. Required.
	URL string

	// Timeout of one probe. Default is 5s.
	Timeout time.Duration

	// Round trips faster than GoodThreshold are good, faster than
	// ModerateThreshold moderate, anything slower poor. Defaults are 1s
	// and 3s.
	GoodThreshold     time.Duration
	ModerateThreshold time.Duration

	Client *http.Client
	Logger *zap.Logger
}

func (opts *HTTPProberOpts) Init() {
	utils.SetDefaultNum(&opts.Timeout, 5*time.Second)
	utils.SetDefaultNum(&opts.GoodThreshold, time.Second)
	utils.SetDefaultNum(&opts.ModerateThreshold, 3*time.Second)
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// HTTPProber classifies the round trip time of one GET request.
type HTTPProber struct {
	opts HTTPProberOpts
}

func NewHTTPProber(opts HTTPProberOpts) *HTTPProber {
	opts.Init()
	return &HTTPProber{opts: opts}
}

func (p *HTTPProber) Probe(ctx context.Context) model.ConnectivityLevel {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		p.opts.Logger.Warn("invalid probe request", zap.Error(err))
		return model.Offline
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	start := time.Now()
	res, err := p.opts.Client.Do(req)
	if err != nil {
		p.opts.Logger.Debug("probe failed", zap.String("url", p.opts.URL), zap.Error(err))
		return model.Offline
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	res.Body.Close()
	rtt := time.Since(start)

	level := classify(rtt, res.StatusCode, p.opts.GoodThreshold, p.opts.ModerateThreshold)
	p.opts.Logger.Debug("probe done",
		zap.Duration("rtt", rtt),
		zap.Int("status", res.StatusCode),
		zap.String("level", string(level)))
	return level
}

// classify maps a completed probe to a level. A non-2xx answer means the
// link works but the path to the services does not, which is poor.
func classify(rtt time.Duration, status int, good, moderate time.Duration) model.ConnectivityLevel {
	if status < 200 || status > 299 {
		return model.Poor
	}
	switch {
	case rtt < good:
		return model.Good
	case rtt < moderate:
		return model.Moderate
	}
	return model.Poor
}

// StaticProber always reports Level. Useful for manual runs and tests.
type StaticProber struct {
	Level model.ConnectivityLevel
}

func (p StaticProber) Probe(context.Context) model.ConnectivityLevel {
	return p.Level
}

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandiear/offline-cache/pkg/model"
)

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, jsonContentType, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSource(t *testing.T, endpoints map[model.DataType][]string) *HTTPSource {
	t.Helper()
	s, err := NewHTTPSource(HTTPSourceOpts{Endpoints: endpoints, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHTTPSource_MergesEndpoints(t *testing.T) {
	a := jsonServer(t, 200, `[{"commodity":"wheat"},{"commodity":"rice"}]`)
	b := jsonServer(t, 200, `{"data":[{"commodity":"onion"}]}`)
	s := newSource(t, map[model.DataType][]string{model.PriceData: {a.URL, b.URL}})

	records, err := s.Fetch(context.Background(), model.PriceData)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.JSONEq(t, `{"commodity":"wheat"}`, string(records[0]))
	assert.JSONEq(t, `{"commodity":"onion"}`, string(records[2]))
}

func TestHTTPSource_PartialFailure(t *testing.T) {
	ok := jsonServer(t, 200, `[{"commodity":"wheat"}]`)
	bad := jsonServer(t, 502, `upstream down`)
	s := newSource(t, map[model.DataType][]string{model.PriceData: {ok.URL, bad.URL}})

	records, err := s.Fetch(context.Background(), model.PriceData)
	require.Len(t, records, 1)
	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Total)
	assert.Contains(t, pe.Failed, bad.URL)
	assert.Contains(t, pe.Error(), "http 502")
}

func TestHTTPSource_AllFailed(t *testing.T) {
	bad := jsonServer(t, 500, ``)
	malformed := jsonServer(t, 200, `{"oops":`)
	s := newSource(t, map[model.DataType][]string{model.WeatherData: {bad.URL, malformed.URL}})

	_, err := s.Fetch(context.Background(), model.WeatherData)
	require.ErrorIs(t, err, ErrAllFailed)
	assert.Contains(t, err.Error(), "malformed")
}

func TestHTTPSource_Empty(t *testing.T) {
	empty := jsonServer(t, 200, `[]`)
	s := newSource(t, map[model.DataType][]string{model.MSPRates: {empty.URL}})

	_, err := s.Fetch(context.Background(), model.MSPRates)
	require.ErrorIs(t, err, ErrEmptyResponse)

	_, err = s.Fetch(context.Background(), model.MandiInfo)
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestHTTPSource_RejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer srv.Close()
	s := newSource(t, map[model.DataType][]string{model.PriceData: {srv.URL}})

	_, err := s.Fetch(context.Background(), model.PriceData)
	require.ErrorIs(t, err, ErrAllFailed)
	assert.Contains(t, err.Error(), "content-type")
}

func TestHTTPSource_BodyLimit(t *testing.T) {
	big := "[" + strings.Repeat(`{"a":1},`, 1000) + `{"a":1}]`
	srv := jsonServer(t, 200, big)
	s, err := NewHTTPSource(HTTPSourceOpts{
		Endpoints:   map[model.DataType][]string{model.PriceData: {srv.URL}},
		MaxBodySize: 1024,
	})
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), model.PriceData)
	require.ErrorIs(t, err, ErrAllFailed)
	assert.Contains(t, err.Error(), "maximum size")
}

func TestNewHTTPSource_Validation(t *testing.T) {
	_, err := NewHTTPSource(HTTPSourceOpts{Endpoints: map[model.DataType][]string{"bogus": {"http://x"}}})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = NewHTTPSource(HTTPSourceOpts{Endpoints: map[model.DataType][]string{model.PriceData: {"ftp://x"}}})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

type fakeEndpoint struct {
	addr    string
	records []json.RawMessage
	err     error
	calls   atomic.Int32
}

func (f *fakeEndpoint) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	f.calls.Add(1)
	return f.records, f.err
}

func (f *fakeEndpoint) Address() string { return f.addr }

func TestFetchParallel_CallsEveryEndpointOnce(t *testing.T) {
	eps := []*fakeEndpoint{
		{addr: "a", records: []json.RawMessage{json.RawMessage(`{"x":1}`)}},
		{addr: "b", err: errors.New("refused")},
		{addr: "c", records: []json.RawMessage{json.RawMessage(`{"x":2}`)}},
	}
	in := make([]Endpoint, len(eps))
	for i, e := range eps {
		in[i] = e
	}

	records, err := FetchParallel(context.Background(), model.PriceData, in, nil)
	assert.Len(t, records, 2)
	var pe *PartialError
	require.ErrorAs(t, err, &pe)
	for _, e := range eps {
		assert.EqualValues(t, 1, e.calls.Load())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		rtt    time.Duration
		status int
		want   model.ConnectivityLevel
	}{
		{"fast", 200 * time.Millisecond, 200, model.Good},
		{"medium", 1500 * time.Millisecond, 200, model.Moderate},
		{"slow", 4 * time.Second, 204, model.Poor},
		{"server error", 10 * time.Millisecond, 503, model.Poor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.rtt, tt.status, time.Second, 3*time.Second))
		})
	}
}

func TestHTTPProber(t *testing.T) {
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer fast.Close()
	assert.Equal(t, model.Good, NewHTTPProber(HTTPProberOpts{URL: fast.URL}).Probe(context.Background()))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
	}))
	defer slow.Close()
	p := NewHTTPProber(HTTPProberOpts{URL: slow.URL, GoodThreshold: 10 * time.Millisecond, ModerateThreshold: 20 * time.Millisecond})
	assert.Equal(t, model.Poor, p.Probe(context.Background()))

	p = NewHTTPProber(HTTPProberOpts{URL: slow.URL, Timeout: 20 * time.Millisecond})
	assert.Equal(t, model.Offline, p.Probe(context.Background()))

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	assert.Equal(t, model.Offline, NewHTTPProber(HTTPProberOpts{URL: deadURL}).Probe(context.Background()))
}

/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package http_handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/offline"
	"github.com/mandiear/offline-cache/pkg/prioritizer"
	"github.com/mandiear/offline-cache/pkg/store"
	"github.com/mandiear/offline-cache/pkg/sync_engine"
	"github.com/mandiear/offline-cache/pkg/utils"
)

var nopLogger = zap.NewNop()

var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

const (
	defaultMaxBodySize       = 4 << 20
	defaultPriceMaxAgeHours  = 24
	defaultEssentialRadiusKM = 50
)

type HandlerOpts struct {
	Service *offline.Service

	// SrcIPHeader names an extra header holding the client address, used
	// for logging.
	SrcIPHeader string
	HealthPath  string
	MaxBodySize int64
	Logger      *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Service == nil {
		return errors.New("nil service")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultString(&opts.HealthPath, "/health")
	utils.SetDefaultNum(&opts.MaxBodySize, defaultMaxBodySize)
	return nil
}

// Handler serves the JSON API of the cache.
type Handler struct {
	opts HandlerOpts
	mux  *http.ServeMux
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	h := &Handler{opts: opts, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET "+opts.HealthPath, h.health)
	h.mux.HandleFunc("GET /cache/prices/{commodity}", h.prices)
	h.mux.HandleFunc("GET /cache/mandis", h.mandis)
	h.mux.HandleFunc("POST /cache/data", h.cacheData)
	h.mux.HandleFunc("GET /cache/data/{id}", h.getData)
	h.mux.HandleFunc("POST /cache/query", h.cacheQuery)
	h.mux.HandleFunc("GET /cache/query/{hash}", h.getQuery)
	h.mux.HandleFunc("GET /cache/essential", h.essential)
	h.mux.HandleFunc("GET /cache/stats", h.stats)
	h.mux.HandleFunc("DELETE /cache/clear", h.clear)
	h.mux.HandleFunc("POST /sync/trigger", h.syncTrigger)
	h.mux.HandleFunc("GET /sync/status", h.syncStatus)
	h.mux.HandleFunc("POST /sync/configure", h.syncConfigure)
	h.mux.HandleFunc("POST /offline/prepare", h.prepare)
	h.mux.HandleFunc("GET /offline/status/{id}", h.preparationStatus)
	h.mux.HandleFunc("DELETE /offline/status/{id}", h.cancelPreparation)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.mux.ServeHTTP(w, req)
}

func (h *Handler) warnErr(req *http.Request, err error) {
	from := req.RemoteAddr
	if addr, e := getRemoteAddr(req, h.opts.SrcIPHeader); e == nil {
		from = addr.String()
	}
	h.opts.Logger.Warn(err.Error(), zap.String("from", from), zap.String("method", req.Method), zap.String("url", req.RequestURI))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusCode maps service errors to http status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync_engine.ErrSyncInProgress):
		return http.StatusConflict
	case errors.Is(err, prioritizer.ErrTooManyPreparations):
		return http.StatusTooManyRequests
	case errors.Is(err, offline.ErrUnavailable),
		errors.Is(err, sync_engine.ErrClosed),
		errors.Is(err, prioritizer.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeErr(w http.ResponseWriter, req *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.warnErr(req, err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", model.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// decodeBody reads a JSON body of at most MaxBodySize bytes into v.
func (h *Handler) decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	b, err := io.ReadAll(io.LimitReader(req.Body, h.opts.MaxBodySize+1))
	if err != nil {
		h.writeErr(w, req, badRequest("read body: %v", err))
		return false
	}
	if int64(len(b)) > h.opts.MaxBodySize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		h.writeErr(w, req, badRequest("invalid json body: %v", err))
		return false
	}
	return true
}

func queryFloat(req *http.Request, key string, def float64) (float64, error) {
	s := req.URL.Query().Get(key)
	if len(s) == 0 {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, badRequest("%s: %v", key, err)
	}
	return f, nil
}

func hoursParam(req *http.Request, key string, def float64) (time.Duration, error) {
	f, err := queryFloat(req, key, def)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, badRequest("%s cannot be negative", key)
	}
	return time.Duration(f * float64(time.Hour)), nil
}

func (h *Handler) health(w http.ResponseWriter, req *http.Request) {
	resp := map[string]any{"status": "ok"}
	if st, err := h.opts.Service.CacheStatistics(req.Context()); err == nil {
		resp["cache_entries"] = st.TotalEntries
	} else {
		resp["status"] = "degraded"
	}
	if ss, err := h.opts.Service.SyncStatus(); err == nil {
		resp["sync_status"] = ss.CurrentStatus
		resp["connectivity_level"] = ss.Connectivity
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) prices(w http.ResponseWriter, req *http.Request) {
	maxAge, err := hoursParam(req, "max_age_hours", defaultPriceMaxAgeHours)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	commodity := req.PathValue("commodity")
	recs, err := h.opts.Service.GetCachedPrices(req.Context(), commodity, req.URL.Query().Get("state"), maxAge)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commodity": commodity, "prices": recs, "count": len(recs)})
}

func (h *Handler) mandis(w http.ResponseWriter, req *http.Request) {
	recs, err := h.opts.Service.GetCachedMandis(req.Context(), req.URL.Query().Get("state"))
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mandis": recs, "count": len(recs)})
}

func (h *Handler) cacheData(w http.ResponseWriter, req *http.Request) {
	var r offline.CacheRequest
	if !h.decodeBody(w, req, &r) {
		return
	}
	id, err := h.opts.Service.CacheData(req.Context(), r)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"cache_id": id})
}

func (h *Handler) getData(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	content, ok := h.opts.Service.GetCachedData(req.Context(), id)
	if !ok {
		h.writeErr(w, req, fmt.Errorf("cache entry %s: %w", id, model.ErrNotFound))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *Handler) cacheQuery(w http.ResponseWriter, req *http.Request) {
	var q store.OfflineQuery
	if !h.decodeBody(w, req, &q) {
		return
	}
	hash, err := h.opts.Service.CacheQuery(req.Context(), q)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"query_hash": hash})
}

func (h *Handler) getQuery(w http.ResponseWriter, req *http.Request) {
	q, err := h.opts.Service.GetCachedQuery(req.Context(), req.PathValue("hash"))
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) essential(w http.ResponseWriter, req *http.Request) {
	if !req.URL.Query().Has("lat") || !req.URL.Query().Has("lng") {
		h.writeErr(w, req, badRequest("lat and lng are required"))
		return
	}
	lat, err := queryFloat(req, "lat", 0)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	lng, err := queryFloat(req, "lng", 0)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	radius, err := queryFloat(req, "radius_km", defaultEssentialRadiusKM)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	pkg, err := h.opts.Service.GetEssentialData(req.Context(), model.Location{Lat: lat, Lng: lng}, radius)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (h *Handler) stats(w http.ResponseWriter, req *http.Request) {
	var (
		v   any
		err error
	)
	if detailed, _ := strconv.ParseBool(req.URL.Query().Get("detailed")); detailed {
		v, err = h.opts.Service.DetailedStatistics(req.Context())
	} else {
		v, err = h.opts.Service.CacheStatistics(req.Context())
	}
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) clear(w http.ResponseWriter, req *http.Request) {
	olderThan, err := hoursParam(req, "older_than_hours", 0)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	var dt model.DataType
	if s := req.URL.Query().Get("data_type"); len(s) > 0 {
		if dt, err = model.ParseDataType(s); err != nil {
			h.writeErr(w, req, err)
			return
		}
	}
	n, err := h.opts.Service.ClearCache(req.Context(), olderThan, dt)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) syncTrigger(w http.ResponseWriter, req *http.Request) {
	res, err := h.opts.Service.RunSyncCycle(req.Context())
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) syncStatus(w http.ResponseWriter, req *http.Request) {
	st, err := h.opts.Service.SyncStatus()
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) syncConfigure(w http.ResponseWriter, req *http.Request) {
	var u offline.SyncSettings
	if !h.decodeBody(w, req, &u) {
		return
	}
	cfg, err := h.opts.Service.ConfigureSync(u)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type prepareRequest struct {
	Location    *model.Location `json:"location"`
	Commodities []string        `json:"commodities"`
	RadiusKM    float64         `json:"radius_km"`
}

func (h *Handler) prepare(w http.ResponseWriter, req *http.Request) {
	var r prepareRequest
	if !h.decodeBody(w, req, &r) {
		return
	}
	if r.Location == nil {
		h.writeErr(w, req, badRequest("location is required"))
		return
	}
	id, err := h.opts.Service.PrepareOfflineData(req.Context(), *r.Location, r.Commodities, r.RadiusKM)
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"preparation_id": id,
		"status":         string(prioritizer.Preparing),
	})
}

func (h *Handler) preparationStatus(w http.ResponseWriter, req *http.Request) {
	p, err := h.opts.Service.GetPreparationStatus(req.Context(), req.PathValue("id"))
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) cancelPreparation(w http.ResponseWriter, req *http.Request) {
	p, err := h.opts.Service.CancelPreparation(req.Context(), req.PathValue("id"))
	if err != nil {
		h.writeErr(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func getRemoteAddr(req *http.Request, customHeader string) (netip.Addr, error) {
	for _, h := range proxyHeaders {
		if val := req.Header.Get(h); val != "" {
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			if addr, err := netip.ParseAddr(strings.TrimSpace(ipStr)); err == nil {
				return addr, nil
			}
		}
	}

	if customHeader != "" {
		if val := req.Header.Get(customHeader); val != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(val)); err == nil {
				return addr, nil
			}
		}
	}

	addrport, err := netip.ParseAddrPort(req.RemoteAddr)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr().Unmap(), nil
}

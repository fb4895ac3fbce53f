// Package records knows the shape of the JSON records served by upstream
// source services. The store keeps them as opaque bytes; this package derives
// the stable identity, the indexed metadata and the geographic locator that
// the store needs at write time.
package records

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mandiear/offline-cache/pkg/geo"
	"github.com/mandiear/offline-cache/pkg/model"
)

// Metadata keys written by Describe.
const (
	KeyCommodity   = "commodity"
	KeyCommodities = "commodities"
	KeyState       = "state"
	KeyMandi       = "mandi"
	KeyLatitude    = "latitude"
	KeyLongitude   = "longitude"
)

// Descriptor is what the store needs to know about one record.
type Descriptor struct {
	// Identity is the logical key of the record. It never contains a
	// timestamp, so re-caching the same logical item overwrites it.
	Identity string
	Metadata map[string]any
	// Locator is the geohash of the record's coordinates, or empty.
	Locator string
}

// identityFields lists, per data type, groups of alternative field names.
// The identity is built from the first present name of every group.
var identityFields = map[model.DataType][][]string{
	model.PriceData:           {{"commodity"}, mandiFields, {"variety"}},
	model.MandiInfo:           {{"mandi_id", "id", "mandi_name", "name"}},
	model.MSPRates:            {{"commodity", "crop"}, {"season"}, {"year", "crop_year"}},
	model.WeatherData:         {{"station_id", "location_id", "district", "location"}},
	model.CropRecommendations: {{"season"}, {"region", "state", "district"}},
	model.MarketTrends:        {{"commodity", "region"}, {"period"}},
	model.UserPreferences:     {{"user_id"}},
}

// mandiFields names the mandi of a record. A nested mandi object is read
// by its id, then its name.
var mandiFields = []string{"mandi_id", "mandi", "mandi.id", "mandi_name", "mandi.name", "market"}

// stateFields finds the state at the top level, in the record's location or
// in its mandi's location.
var stateFields = []string{"state", "location.state", "mandi.location.state"}

// Describe parses content and derives its descriptor. Content that is not a
// JSON object is accepted and identified by a hash of its canonical form.
func Describe(dt model.DataType, content []byte) (Descriptor, error) {
	if !dt.Valid() {
		return Descriptor{}, fmt.Errorf("%w: unknown data type %q", model.ErrInvalidArgument, dt)
	}
	if !json.Valid(content) {
		return Descriptor{}, fmt.Errorf("%w: content is not valid json", model.ErrInvalidArgument)
	}

	var rec map[string]any
	if err := json.Unmarshal(content, &rec); err != nil || rec == nil {
		id, err := canonicalHash(content)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Identity: "hash=" + id, Metadata: map[string]any{}}, nil
	}

	d := Descriptor{Metadata: make(map[string]any)}
	if v := str(rec, "commodity", "crop"); v != "" {
		d.Metadata[KeyCommodity] = v
	}
	if l, ok := rec["commodities"].([]any); ok {
		cs := make([]any, 0, len(l))
		for _, c := range l {
			if s, ok := c.(string); ok && s != "" {
				cs = append(cs, normalize(s))
			}
		}
		if len(cs) > 0 {
			d.Metadata[KeyCommodities] = cs
		}
	}
	if v := str(rec, stateFields...); v != "" {
		d.Metadata[KeyState] = v
	}
	if v := str(rec, mandiFields...); v != "" {
		d.Metadata[KeyMandi] = v
	}
	if loc, ok := recordLocation(rec); ok {
		d.Metadata[KeyLatitude] = loc.Lat
		d.Metadata[KeyLongitude] = loc.Lng
		d.Locator = geo.Locator(loc)
	}

	parts := make([]string, 0, 3)
	for _, group := range identityFields[dt] {
		for _, name := range group {
			if v := str(rec, name); v != "" {
				parts = append(parts, name+"="+v)
				break
			}
		}
	}
	// Weather without a station and prices without a mandi are keyed by
	// their ~5km cell.
	switch {
	case d.Locator == "":
	case dt == model.WeatherData && len(parts) == 0:
		parts = append(parts, "cell="+d.Locator[:5])
	case dt == model.PriceData && d.Metadata[KeyMandi] == nil:
		parts = append(parts, "cell="+d.Locator[:5])
	}
	if len(parts) == 0 {
		id, err := canonicalHash(content)
		if err != nil {
			return Descriptor{}, err
		}
		parts = append(parts, "hash="+id)
	}
	d.Identity = strings.Join(parts, "|")
	return d, nil
}

// Coordinates reads the location written by Describe back from metadata.
func Coordinates(meta map[string]any) (model.Location, bool) {
	lat, ok1 := number(meta[KeyLatitude])
	lng, ok2 := number(meta[KeyLongitude])
	if !ok1 || !ok2 {
		return model.Location{}, false
	}
	return model.Location{Lat: lat, Lng: lng}, true
}

// Commodities returns the commodity names attached to a record.
func Commodities(meta map[string]any) []string {
	var out []string
	if s, ok := meta[KeyCommodity].(string); ok && s != "" {
		out = append(out, s)
	}
	switch l := meta[KeyCommodities].(type) {
	case []any:
		for _, c := range l {
			if s, ok := c.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, l...)
	}
	return out
}

// MetaString returns the normalized string value of key, or "".
func MetaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

// Normalize lower-cases and trims a name for comparisons.
func Normalize(s string) string {
	return normalize(s)
}

func recordLocation(rec map[string]any) (model.Location, bool) {
	pairs := [][2]string{{"latitude", "longitude"}, {"lat", "lng"}, {"lat", "lon"}}
	for _, p := range pairs {
		lat, ok1 := number(rec[p[0]])
		lng, ok2 := number(rec[p[1]])
		if ok1 && ok2 {
			loc := model.Location{Lat: lat, Lng: lng}
			if loc.Validate() != nil {
				return model.Location{}, false
			}
			return loc, true
		}
	}
	for _, k := range []string{"location", "mandi"} {
		if nested, ok := rec[k].(map[string]any); ok {
			if loc, ok := recordLocation(nested); ok {
				return loc, true
			}
		}
	}
	return model.Location{}, false
}

// field resolves a dotted path through nested objects.
func field(rec map[string]any, path string) any {
	for {
		head, rest, nested := strings.Cut(path, ".")
		if !nested {
			return rec[head]
		}
		next, ok := rec[head].(map[string]any)
		if !ok {
			return nil
		}
		rec, path = next, rest
	}
}

func str(rec map[string]any, names ...string) string {
	for _, n := range names {
		switch v := field(rec, n).(type) {
		case string:
			if s := normalize(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// canonicalHash hashes content after re-encoding, so key order and
// whitespace do not change the identity.
func canonicalHash(content []byte) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16]), nil
}

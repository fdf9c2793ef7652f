// Package event defines the canonical earthquake observation shared by
// every feed, plus the lenient parsing helpers connectors use to get there.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Logical authorities.
const (
	SourceKMA      = "KMA"
	SourceJMA      = "JMA"
	SourceP2PQuake = "P2PQUAKE"
)

// Concrete feeds that deliver bulletins.
const (
	ReceiveWolfX = "WolfX"
	ReceiveP2P   = "P2P"
	ReceiveKMA   = "KMA"
)

// TimeLayout is the wire and storage form of every timestamp: UTC
// ISO-8601 with millisecond precision. Fixed width keeps rows sortable
// as text.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Event is one normalized bulletin. Nullable fields are pointers so a
// missing value stays distinct from zero all the way to the database.
type Event struct {
	ID            string   `json:"eventId"`
	Source        string   `json:"source"`
	ReceiveSource string   `json:"receiveSource"`
	Type          string   `json:"type"`
	ReportType    *string  `json:"reportType"`
	Time          string   `json:"time"`
	IssueTime     *string  `json:"issueTime"`
	ReceiveTime   string   `json:"receiveTime"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Magnitude     *float64 `json:"magnitude"`
	Depth         *float64 `json:"depth"`
	Intensity     *float64 `json:"intensity"`
	Region        *string  `json:"region"`
	Advisory      *string  `json:"advisory"`
	Revision      *string  `json:"revision"`
}

// Validate reports whether the event carries the fields the store keys on.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errors.New("event missing eventId")
	}
	switch e.Source {
	case SourceKMA, SourceJMA, SourceP2PQuake:
	default:
		return fmt.Errorf("unknown source %q", e.Source)
	}
	if e.Time == "" {
		return errors.New("event missing time")
	}
	return nil
}

// FormatTime renders t in the canonical wire form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// jst is assumed for feed timestamps that carry no offset.
var jst = time.FixedZone("JST", 9*60*60)

var offsetLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
}

var naiveLayouts = []string{
	"2006/01/02 15:04:05.999",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05.999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
}

// ParseFeedTime parses the timestamp formats the upstreams emit. Values
// without a UTC offset are interpreted as JST.
func ParseFeedTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, jst); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Float coerces the loosely typed numerics upstreams send. Strings,
// json.Number and plain numbers all land as *float64; anything absent,
// unparseable or non-finite is nil.
func Float(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// String coerces a value to *string, dropping empties.
func String(v any) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		return &s
	case json.Number:
		s := x.String()
		return &s
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		return &s
	default:
		return nil
	}
}

// Ptr returns a pointer to v. Convenience for literals in tests and
// normalizers.
func Ptr[T any](v T) *T { return &v }

// SyntheticID derives a stable id for bulletins whose authority did not
// assign one. Identical inputs always hash to the same id.
func SyntheticID(source, eventTime string, lat, lon, mag *float64, code, serial string) string {
	parts := []string{
		source,
		eventTime,
		formatFloat(lat),
		formatFloat(lon),
		formatFloat(mag),
		code,
		serial,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

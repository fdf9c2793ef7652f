package feeds

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/event"
)

// WolfXNormalizer converts frames from the WolfX JMA EEW relay. The
// relay forwards JMA early-warning reports as single JSON objects and
// answers liveness with heartbeat frames.
type WolfXNormalizer struct {
	log zerolog.Logger
}

func NewWolfXNormalizer(log zerolog.Logger) *WolfXNormalizer {
	return &WolfXNormalizer{log: log.With().Str("normalizer", "wolfx").Logger()}
}

func (n *WolfXNormalizer) Normalize(raw []byte, receiveTime time.Time) ([]event.Event, bool) {
	m, ok := decodeFrame(raw)
	if !ok {
		n.log.Debug().Msg("undecodable frame dropped")
		return nil, false
	}

	switch typeField(m) {
	case "heartbeat", "ping":
		return nil, true
	case "pong":
		return nil, false
	}

	e, ok := n.normalizeOne(m, receiveTime)
	if !ok {
		return nil, false
	}
	return []event.Event{e}, false
}

// History parses the relay's history endpoint: either a bare array of
// report objects or an object keyed by report id.
func (n *WolfXNormalizer) History(body []byte, receiveTime time.Time) []event.Event {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		var keyed map[string]json.RawMessage
		if err := json.Unmarshal(body, &keyed); err != nil {
			n.log.Warn().Msg("unrecognized history payload")
			return nil
		}
		for _, v := range keyed {
			items = append(items, v)
		}
	}

	var out []event.Event
	for _, item := range items {
		m, ok := decodeFrame(item)
		if !ok {
			continue
		}
		if e, ok := n.normalizeOne(m, receiveTime); ok {
			out = append(out, e)
		}
	}
	return out
}

// normalizeOne maps one WolfX report. The relay spells magnitude
// "Magunitude"; both spellings are accepted.
func (n *WolfXNormalizer) normalizeOne(m map[string]any, receiveTime time.Time) (event.Event, bool) {
	originRaw, _ := m["OriginTime"].(string)
	if originRaw == "" {
		originRaw, _ = m["AnnouncedTime"].(string)
	}
	origin, err := event.ParseFeedTime(originRaw)
	if err != nil {
		n.log.Debug().Str("time", originRaw).Msg("report without usable time dropped")
		return event.Event{}, false
	}

	e := event.Event{
		Source:        event.SourceJMA,
		ReceiveSource: event.ReceiveWolfX,
		Type:          "EEW",
		Time:          event.FormatTime(origin),
		ReceiveTime:   event.FormatTime(receiveTime),
		Latitude:      event.Float(m["Latitude"]),
		Longitude:     event.Float(m["Longitude"]),
		Depth:         event.Float(m["Depth"]),
		Region:        event.String(m["Hypocenter"]),
		Intensity:     intensityFromScale(m["MaxIntensity"]),
	}
	if mag := event.Float(m["Magunitude"]); mag != nil {
		e.Magnitude = mag
	} else {
		e.Magnitude = event.Float(m["Magnitude"])
	}
	if announced, _ := m["AnnouncedTime"].(string); announced != "" {
		if t, err := event.ParseFeedTime(announced); err == nil {
			e.IssueTime = event.Ptr(event.FormatTime(t))
		}
	}

	serial := numericString(m["Serial"])
	if serial != "" {
		e.ReportType = event.Ptr(serial)
		e.Revision = event.Ptr(serial)
	}
	switch {
	case boolField(m, "isCancel"):
		e.Advisory = event.Ptr("cancelled")
	case boolField(m, "isFinal"):
		e.Advisory = event.Ptr("final")
	case boolField(m, "isWarn"):
		e.Advisory = event.Ptr("warning")
	}

	if id, _ := m["EventID"].(string); id != "" {
		e.ID = id + "-" + serial
		e.ID = strings.TrimSuffix(e.ID, "-")
	} else {
		e.ID = event.SyntheticID(e.Source, e.Time, e.Latitude, e.Longitude, e.Magnitude, "eew", serial)
	}
	return e, true
}

func typeField(m map[string]any) string {
	if t, ok := m["type"].(string); ok {
		return strings.ToLower(t)
	}
	if t, ok := m["Type"].(string); ok {
		return strings.ToLower(t)
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func numericString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

// intensityFromScale parses JMA intensity tokens like "5", "5-", "5+",
// "5弱" and "5強" into a numeric value; the modifier shifts by ±0.25 so
// ordering survives.
func intensityFromScale(v any) *float64 {
	s := numericString(v)
	if s == "" {
		return event.Float(v)
	}
	mod := 0.0
	switch {
	case strings.HasSuffix(s, "-") || strings.HasSuffix(s, "弱"):
		mod = -0.25
		s = strings.TrimRight(s, "-弱")
	case strings.HasSuffix(s, "+") || strings.HasSuffix(s, "強"):
		mod = 0.25
		s = strings.TrimRight(s, "+強")
	}
	base := event.Float(s)
	if base == nil {
		return nil
	}
	return event.Ptr(*base + mod)
}

package feeds

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/event"
)

// Upstream message codes the connector accepts. Anything else is relay
// chatter and is dropped.
var p2pAllowedCodes = map[int64]string{
	551:  "information",       // earthquake information
	552:  "tsunami",           // tsunami forecast
	556:  "EEW",               // early warning
	561:  "UserReport",        // user perception report, no epicenter
	9611: "UserReportSummary", // area-detection aggregate
}

// P2PNormalizer converts frames from the P2PQuake relay.
type P2PNormalizer struct {
	log zerolog.Logger
}

func NewP2PNormalizer(log zerolog.Logger) *P2PNormalizer {
	return &P2PNormalizer{log: log.With().Str("normalizer", "p2p").Logger()}
}

func (n *P2PNormalizer) Normalize(raw []byte, receiveTime time.Time) ([]event.Event, bool) {
	m, ok := decodeFrame(raw)
	if !ok {
		n.log.Debug().Msg("undecodable frame dropped")
		return nil, false
	}
	if typeField(m) == "ping" {
		return nil, true
	}
	e, ok := n.normalizeOne(m, receiveTime)
	if !ok {
		return nil, false
	}
	return []event.Event{e}, false
}

// History parses the relay's REST history endpoint, a JSON array of the
// same objects the socket carries, newest first.
func (n *P2PNormalizer) History(body []byte, receiveTime time.Time) []event.Event {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		n.log.Warn().Msg("unrecognized history payload")
		return nil
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

func (n *P2PNormalizer) normalizeOne(m map[string]any, receiveTime time.Time) (event.Event, bool) {
	code := intField(m, "code")
	typ, allowed := p2pAllowedCodes[code]
	if !allowed {
		return event.Event{}, false
	}
	codeStr := strconv.FormatInt(code, 10)

	e := event.Event{
		Source:        event.SourceP2PQuake,
		ReceiveSource: event.ReceiveP2P,
		Type:          typ,
		ReceiveTime:   event.FormatTime(receiveTime),
	}

	// Relay arrival time is the fallback when the payload carries no
	// authority origin time.
	var relayTime time.Time
	if raw, _ := m["time"].(string); raw != "" {
		if t, err := event.ParseFeedTime(raw); err == nil {
			relayTime = t
		}
	}

	issue, _ := m["issue"].(map[string]any)
	if issue != nil {
		if rt := event.String(issue["type"]); rt != nil {
			e.ReportType = rt
		}
		if raw, _ := issue["time"].(string); raw != "" {
			if t, err := event.ParseFeedTime(raw); err == nil {
				e.IssueTime = event.Ptr(event.FormatTime(t))
			}
		}
	}
	if e.ReportType == nil {
		e.ReportType = event.Ptr(codeStr)
	}

	switch code {
	case 551, 556:
		quake, _ := m["earthquake"].(map[string]any)
		if quake != nil {
			originRaw, _ := quake["time"].(string)
			if originRaw == "" {
				originRaw, _ = quake["originTime"].(string)
			}
			if t, err := event.ParseFeedTime(originRaw); err == nil {
				e.Time = event.FormatTime(t)
			}
			if hypo, _ := quake["hypocenter"].(map[string]any); hypo != nil {
				e.Latitude = dropSentinel(event.Float(hypo["latitude"]))
				e.Longitude = dropSentinel(event.Float(hypo["longitude"]))
				e.Depth = dropSentinel(event.Float(hypo["depth"]))
				e.Magnitude = dropSentinel(event.Float(hypo["magnitude"]))
				e.Region = event.String(hypo["name"])
			}
			if scale := dropSentinel(event.Float(quake["maxScale"])); scale != nil {
				e.Intensity = event.Ptr(*scale / 10)
			}
			if adv := event.String(quake["domesticTsunami"]); adv != nil && *adv != "None" {
				e.Advisory = adv
			}
		}
	case 552:
		// Tsunami forecasts have no epicenter; the strongest graded area
		// names the region.
		if areas, _ := m["areas"].([]any); len(areas) > 0 {
			if first, _ := areas[0].(map[string]any); first != nil {
				e.Region = event.String(first["name"])
				e.Advisory = event.String(first["grade"])
			}
		}
	case 561:
		// User perception reports carry only peer counts per area.
		if areas, _ := m["areas"].([]any); areas != nil {
			peers := 0.0
			for _, a := range areas {
				if am, _ := a.(map[string]any); am != nil {
					if p := event.Float(am["peer"]); p != nil {
						peers += *p
					}
				}
			}
			e.Magnitude = nil
			e.Intensity = event.Ptr(peers)
		}
	case 9611:
		if count := event.Float(m["count"]); count != nil {
			e.Intensity = count
		}
		if conf := event.Float(m["confidence"]); conf != nil {
			e.Revision = event.Ptr(strconv.FormatFloat(*conf, 'f', -1, 64))
		}
	}

	if e.Time == "" {
		if relayTime.IsZero() {
			n.log.Debug().Str("code", codeStr).Msg("record without usable time dropped")
			return event.Event{}, false
		}
		e.Time = event.FormatTime(relayTime)
	}

	if id, _ := m["id"].(string); id != "" {
		e.ID = id
	} else if id, _ := m["_id"].(string); id != "" {
		e.ID = id
	} else {
		serial := ""
		if issue != nil {
			serial = numericString(issue["serial"])
		}
		e.ID = event.SyntheticID(e.Source, e.Time, e.Latitude, e.Longitude, e.Magnitude, codeStr, serial)
	}
	return e, true
}

func intField(m map[string]any, key string) int64 {
	f := event.Float(m[key])
	if f == nil {
		return 0
	}
	return int64(*f)
}

// dropSentinel maps P2PQuake's "unknown" markers (-200 coordinates, -1
// scales and depths) to null.
func dropSentinel(f *float64) *float64 {
	if f == nil || *f <= -1 {
		return nil
	}
	return f
}

package feeds

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canaria-project/canaria/internal/event"
)

var recv = time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

func TestWolfXNormalizeReport(t *testing.T) {
	n := NewWolfXNormalizer(zerolog.Nop())
	raw := []byte(`{
		"type": "jma_eew",
		"EventID": "20250603083105",
		"Serial": 3,
		"AnnouncedTime": "2025/06/03 08:31:10",
		"OriginTime": "2025/06/03 08:31:05",
		"Hypocenter": "千葉県東方沖",
		"Latitude": "35.5",
		"Longitude": 140.1,
		"Magunitude": "5.2",
		"Depth": 30,
		"MaxIntensity": "5-",
		"isWarn": true
	}`)

	events, heartbeat := n.Normalize(raw, recv)
	require.False(t, heartbeat)
	require.Len(t, events, 1)
	e := events[0]

	assert.Equal(t, "20250603083105-3", e.ID)
	assert.Equal(t, event.SourceJMA, e.Source)
	assert.Equal(t, event.ReceiveWolfX, e.ReceiveSource)
	assert.Equal(t, "EEW", e.Type)
	// JST 08:31:05 is 23:31:05 UTC the previous day.
	assert.Equal(t, "2025-06-02T23:31:05.000Z", e.Time)
	require.NotNil(t, e.IssueTime)
	assert.Equal(t, "2025-06-02T23:31:10.000Z", *e.IssueTime)
	require.NotNil(t, e.Magnitude)
	assert.InDelta(t, 5.2, *e.Magnitude, 1e-9)
	require.NotNil(t, e.Intensity)
	assert.InDelta(t, 4.75, *e.Intensity, 1e-9)
	require.NotNil(t, e.Advisory)
	assert.Equal(t, "warning", *e.Advisory)
	require.NotNil(t, e.Region)
	assert.Equal(t, "千葉県東方沖", *e.Region)
}

func TestWolfXHeartbeat(t *testing.T) {
	n := NewWolfXNormalizer(zerolog.Nop())
	events, heartbeat := n.Normalize([]byte(`{"type":"heartbeat","id":7}`), recv)
	assert.True(t, heartbeat)
	assert.Empty(t, events)
}

func TestWolfXSyntheticIDDeterministic(t *testing.T) {
	n := NewWolfXNormalizer(zerolog.Nop())
	raw := []byte(`{"OriginTime":"2025/06/03 08:31:05","Latitude":35.5,"Longitude":140.1,"Magunitude":5.2,"Serial":1}`)

	a, _ := n.Normalize(raw, recv)
	b, _ := n.Normalize(raw, recv.Add(time.Minute))
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEmpty(t, a[0].ID)
	assert.Equal(t, a[0].ID, b[0].ID)
}

func TestP2PNormalizeEarthquakeInfo(t *testing.T) {
	n := NewP2PNormalizer(zerolog.Nop())
	raw := []byte(`{
		"id": "68a1b2c3",
		"code": 551,
		"time": "2025/06/03 08:35:00.123",
		"issue": {"time": "2025/06/03 08:35:00", "type": "DetailScale", "serial": "1"},
		"earthquake": {
			"time": "2025/06/03 08:31:00",
			"maxScale": 45,
			"domesticTsunami": "None",
			"hypocenter": {"name": "千葉県東方沖", "latitude": 35.5, "longitude": 140.1, "depth": 30, "magnitude": 5.2}
		}
	}`)

	events, heartbeat := n.Normalize(raw, recv)
	require.False(t, heartbeat)
	require.Len(t, events, 1)
	e := events[0]

	assert.Equal(t, "68a1b2c3", e.ID)
	assert.Equal(t, event.SourceP2PQuake, e.Source)
	assert.Equal(t, "information", e.Type)
	require.NotNil(t, e.ReportType)
	assert.Equal(t, "DetailScale", *e.ReportType)
	assert.Equal(t, "2025-06-02T23:31:00.000Z", e.Time)
	require.NotNil(t, e.Intensity)
	assert.InDelta(t, 4.5, *e.Intensity, 1e-9)
	require.NotNil(t, e.Magnitude)
	assert.InDelta(t, 5.2, *e.Magnitude, 1e-9)
	assert.Nil(t, e.Advisory)
}

func TestP2PDropsUnknownCodesAndSentinels(t *testing.T) {
	n := NewP2PNormalizer(zerolog.Nop())

	// 554 is not on the allow-list.
	events, _ := n.Normalize([]byte(`{"code":554,"time":"2025/06/03 08:31:00"}`), recv)
	assert.Empty(t, events)

	// -200 coordinates and -1 depth mean "unknown" upstream.
	events, _ = n.Normalize([]byte(`{
		"code": 551, "id": "x", "time": "2025/06/03 08:35:00",
		"earthquake": {"time": "2025/06/03 08:31:00", "maxScale": -1,
			"hypocenter": {"latitude": -200, "longitude": -200, "depth": -1, "magnitude": -1}}
	}`), recv)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].Latitude)
	assert.Nil(t, events[0].Longitude)
	assert.Nil(t, events[0].Depth)
	assert.Nil(t, events[0].Magnitude)
	assert.Nil(t, events[0].Intensity)
}

func TestP2PUserReport(t *testing.T) {
	n := NewP2PNormalizer(zerolog.Nop())
	raw := []byte(`{
		"code": 561,
		"time": "2025/06/03 08:31:30",
		"areas": [{"id": 250, "peer": 3}, {"id": 241, "peer": 2}]
	}`)

	events, _ := n.Normalize(raw, recv)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "UserReport", e.Type)
	assert.Nil(t, e.Magnitude)
	assert.Nil(t, e.Latitude)
	require.NotNil(t, e.Intensity)
	assert.InDelta(t, 5, *e.Intensity, 1e-9)
	// Synthetic id, stable over re-normalization.
	again, _ := n.Normalize(raw, recv)
	assert.Equal(t, e.ID, again[0].ID)
}

func TestP2PHistoryParsesArray(t *testing.T) {
	n := NewP2PNormalizer(zerolog.Nop())
	body := []byte(`[
		{"code": 551, "id": "b", "time": "2025/06/03 09:00:00", "earthquake": {"time": "2025/06/03 08:59:00"}},
		{"code": 554, "id": "skip", "time": "2025/06/03 08:50:00"},
		{"code": 551, "id": "a", "time": "2025/06/03 08:35:00", "earthquake": {"time": "2025/06/03 08:31:00"}}
	]`)

	events := n.History(body, recv)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].ID)
	assert.Equal(t, "a", events[1].ID)
}

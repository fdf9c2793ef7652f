package admin

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/canaria-project/canaria/internal/event"
	"github.com/canaria-project/canaria/internal/feeds"
	"github.com/canaria-project/canaria/internal/ingest"
	"github.com/canaria-project/canaria/internal/storage"
)

// FeedDetail extends the raw connector state with derived figures.
type FeedDetail struct {
	feeds.State
	Name            string  `json:"name"`
	SessionUptimeMs int64   `json:"sessionUptimeMs"`
	UptimePercent   float64 `json:"uptimePercent"`
	Uptime          string  `json:"uptime"`
}

func (a *Admin) feedDetails() []FeedDetail {
	now := a.clock.Now()
	elapsed := now.Sub(a.startedAt)
	out := make([]FeedDetail, 0, len(a.feeds))
	for _, f := range a.feeds {
		st := f.Snapshot()
		d := FeedDetail{State: st, Name: f.Name()}
		total := st.TotalUptimeMs
		if st.Status == feeds.StatusConnected && !st.ConnectedAt.IsZero() {
			d.SessionUptimeMs = now.Sub(st.ConnectedAt).Milliseconds()
			total += d.SessionUptimeMs
		}
		if elapsed > 0 {
			d.UptimePercent = min(100, float64(total)/float64(elapsed.Milliseconds())*100)
		}
		d.Uptime = formatDuration(time.Duration(total) * time.Millisecond)
		out = append(out, d)
	}
	return out
}

// ConnectionsReport is the /v1/connections enhanced status snapshot.
type ConnectionsReport struct {
	Timestamp        string            `json:"timestamp"`
	WebSocketClients int               `json:"websocketClients"`
	TotalConnections int64             `json:"totalConnections"`
	Feeds            []FeedDetail      `json:"feeds"`
	Parser           ParserStatus      `json:"parser"`
	SigningPublicKey string            `json:"signingPublicKey,omitempty"`
	EventsBySource   map[string]int64  `json:"eventsBySource"`
}

// ParserStatus summarizes the external poller's last report.
type ParserStatus struct {
	Heartbeat      *ingest.Heartbeat `json:"heartbeat,omitempty"`
	HeartbeatAgeS  float64           `json:"heartbeatAgeSeconds"`
	LastStoredAt   string            `json:"lastStoredAt,omitempty"`
	Uptime         string            `json:"uptime"`
	AverageDelayMs *int64            `json:"averageDelayMs,omitempty"`
}

func (a *Admin) parserStatus() ParserStatus {
	snap := a.ingestor.Snapshot()
	ps := ParserStatus{
		Heartbeat:     snap.Heartbeat,
		HeartbeatAgeS: a.ingestor.HeartbeatAge(),
		Uptime:        formatDuration(a.clock.Now().Sub(a.startedAt)),
	}
	if !snap.LastStoredAt.IsZero() {
		ps.LastStoredAt = event.FormatTime(snap.LastStoredAt)
	}
	if snap.Heartbeat != nil {
		ps.AverageDelayMs = snap.Heartbeat.DelayMs
	}
	return ps
}

func (a *Admin) Connections(ctx context.Context) (ConnectionsReport, error) {
	bySource, err := a.store.CountBySource(ctx)
	if err != nil {
		return ConnectionsReport{}, err
	}
	return ConnectionsReport{
		Timestamp:        event.FormatTime(a.clock.Now()),
		WebSocketClients: a.hub.Size(),
		TotalConnections: a.hub.TotalConnections(),
		Feeds:            a.feedDetails(),
		Parser:           a.parserStatus(),
		SigningPublicKey: a.signerKey,
		EventsBySource:   bySource,
	}, nil
}

// MonitoringReport is the /v1/monitoring detailed snapshot.
type MonitoringReport struct {
	Timestamp    string               `json:"timestamp"`
	Uptime       string               `json:"uptime"`
	Feeds        []FeedDetail         `json:"feeds"`
	Parser       ParserStatus         `json:"parser"`
	ParserErrors []ingest.ParserError `json:"parserErrors"`
	FeedEvents   []feedEventView      `json:"recentFeedEvents"`
}

type feedEventView struct {
	TS      string `json:"ts"`
	Feed    string `json:"feed"`
	Event   string `json:"event"`
	Details string `json:"details,omitempty"`
}

func (a *Admin) Monitoring(ctx context.Context) (MonitoringReport, error) {
	now := a.clock.Now()
	snap := a.ingestor.Snapshot()

	errs := snap.ParserErrors
	if len(errs) > 5 {
		errs = errs[:5]
	}

	recent, err := a.store.FeedEventsSince(ctx, now.Add(-24*time.Hour), 20)
	if err != nil {
		return MonitoringReport{}, err
	}
	views := make([]feedEventView, 0, len(recent))
	for _, fe := range recent {
		views = append(views, feedEventView{
			TS:      event.FormatTime(fe.TS),
			Feed:    fe.Feed,
			Event:   fe.Event,
			Details: fe.Details,
		})
	}

	return MonitoringReport{
		Timestamp:    event.FormatTime(now),
		Uptime:       formatDuration(now.Sub(a.startedAt)),
		Feeds:        a.feedDetails(),
		Parser:       a.parserStatus(),
		ParserErrors: errs,
		FeedEvents:   views,
	}, nil
}

// DashboardReport is the /admin/dashboard body.
type DashboardReport struct {
	Timestamp        string                `json:"timestamp"`
	EventsTotal      int64                 `json:"eventsTotal"`
	EventsBySource   map[string]int64      `json:"eventsBySource"`
	EventsPerMinute  float64               `json:"eventsPerMinute5m"`
	OldestEventTime  string                `json:"oldestEventTime,omitempty"`
	WebSocketClients int                   `json:"websocketClients"`
	TotalConnections int64                 `json:"totalConnections"`
	ClientHistory    []clientHistoryBucket `json:"clientHistory"`
	TopIPs           []storage.IPCount     `json:"rateLimitTopIPs"`
	Total429s        int64                 `json:"total429s"`
	TableStats       map[string]int64      `json:"tableStats"`
	TableStatsPretty map[string]string     `json:"tableStatsPretty"`
	Config           any                   `json:"config"`
	System           SystemStats           `json:"system"`
}

type clientHistoryBucket struct {
	TS    string `json:"ts"`
	Count int    `json:"count"`
}

// SystemStats is process-level resource usage for the dashboard.
type SystemStats struct {
	RSS        string  `json:"rss"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
	Uptime     string  `json:"uptime"`
}

func (a *Admin) systemStats() SystemStats {
	stats := SystemStats{
		Goroutines: runtime.NumGoroutine(),
		Uptime:     formatDuration(a.clock.Now().Sub(a.startedAt)),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
		stats.RSS = humanize.Bytes(mem.RSS)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	return stats
}

func (a *Admin) Dashboard(ctx context.Context) (DashboardReport, error) {
	now := a.clock.Now()

	total, err := a.store.Count(ctx)
	if err != nil {
		return DashboardReport{}, err
	}
	bySource, err := a.store.CountBySource(ctx)
	if err != nil {
		return DashboardReport{}, err
	}

	// Event rate over the last five minutes, estimated from origin times.
	recent, err := a.store.List(ctx, storage.ListQuery{Since: now.Add(-5 * time.Minute), Limit: 1000})
	if err != nil {
		return DashboardReport{}, err
	}

	history, err := a.store.ClientCountsSince(ctx, now.Add(-60*time.Minute))
	if err != nil {
		return DashboardReport{}, err
	}
	buckets := make([]clientHistoryBucket, 0, len(history))
	for _, h := range history {
		buckets = append(buckets, clientHistoryBucket{TS: event.FormatTime(h.TS), Count: h.Count})
	}

	topIPs, err := a.limiter.TopIPs(ctx, 10)
	if err != nil {
		return DashboardReport{}, err
	}
	denied, err := a.store.CountRequestsWithStatus(ctx, 429)
	if err != nil {
		return DashboardReport{}, err
	}
	tables, err := a.store.TableStats(ctx)
	if err != nil {
		return DashboardReport{}, err
	}
	pretty := make(map[string]string, len(tables))
	for name, n := range tables {
		pretty[name] = humanize.Comma(n)
	}

	report := DashboardReport{
		Timestamp:        event.FormatTime(now),
		EventsTotal:      total,
		EventsBySource:   bySource,
		EventsPerMinute:  float64(len(recent)) / 5,
		WebSocketClients: a.hub.Size(),
		TotalConnections: a.hub.TotalConnections(),
		ClientHistory:    buckets,
		TopIPs:           topIPs,
		Total429s:        denied,
		TableStats:       tables,
		TableStatsPretty: pretty,
		Config:           a.cfg.Get(),
		System:           a.systemStats(),
	}
	if oldest, err := a.store.Oldest(ctx); err == nil && oldest != nil {
		report.OldestEventTime = oldest.Time
	}
	return report, nil
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	seconds := d - minutes*time.Minute
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds/time.Second)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds/time.Second)
}

// Package health aggregates a coarse system view: bot counts by status,
// dependency reachability, and host resource usage. It is read by the
// health_check job and published for the API layer.
package health

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"tradefleet/internal/queue"
	"tradefleet/internal/records"
	"tradefleet/pkg/logx"
)

// Resources is a best-effort host usage sample. Zero values mean the
// sample was unavailable on this platform.
type Resources struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Report is one health sweep result.
type Report struct {
	Status string `json:"status"` // healthy | degraded

	BotCounts map[string]int `json:"bot_counts"`

	QueueStoreOK  bool `json:"queue_store_ok"`
	RecordStoreOK bool `json:"record_store_ok"`

	Resources Resources `json:"resources"`

	At time.Time `json:"at"`
}

type Service struct {
	recs  records.Store
	store queue.Store
	log   logx.Logger
}

func New(recs records.Store, store queue.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{recs: recs, store: store, log: log.With(logx.String("comp", "health"))}
}

// Check runs one sweep. Overall status is healthy iff zero bots are in
// error and both stores are reachable.
func (s *Service) Check(ctx context.Context) Report {
	r := Report{
		BotCounts: map[string]int{},
		At:        time.Now(),
	}

	if err := s.store.Ping(ctx); err == nil {
		r.QueueStoreOK = true
	} else {
		s.log.Warn("queue store unreachable", logx.Err(err))
	}

	if err := s.recs.Ping(ctx); err == nil {
		r.RecordStoreOK = true
		bots, err := s.recs.ListBots(ctx)
		if err != nil {
			s.log.Warn("list bots", logx.Err(err))
			r.RecordStoreOK = false
		}
		for _, b := range bots {
			r.BotCounts[b.Status]++
		}
	} else {
		s.log.Warn("record store unreachable", logx.Err(err))
	}

	r.Resources = sampleResources(ctx)

	if r.QueueStoreOK && r.RecordStoreOK && r.BotCounts["error"] == 0 {
		r.Status = "healthy"
	} else {
		r.Status = "degraded"
	}
	return r
}

// sampleResources is best-effort; a platform without a probe just reports
// zeros.
func sampleResources(ctx context.Context) Resources {
	var r Resources
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		r.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		r.DiskPercent = du.UsedPercent
	}
	return r
}

// Package janitor runs the cache's supplemental periodic stale sweep: a
// cron-scheduled pass over the whole cache calling the same purge routine
// Put already uses under capacity pressure, so long-idle entries are
// reclaimed even without write pressure. This never changes Put/Get's
// required observable semantics — it is purely additive.
package janitor

import (
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/WhileEndless/go-httpproxy/pkg/cache"
	"github.com/WhileEndless/go-httpproxy/pkg/metrics"
)

// Janitor schedules the periodic sweep.
type Janitor struct {
	cron    *cron.Cron
	cache   *cache.Cache
	metrics *metrics.Collectors
	prev    cache.Stats
	log     hclog.Logger
}

// New builds a Janitor that sweeps c on the given cron expression (e.g.
// "@every 5m"). The sweep is not started until Start is called. m may be
// nil, in which case sweeps purge stale entries without sampling metrics.
func New(c *cache.Cache, m *metrics.Collectors, expr string, log hclog.Logger) (*Janitor, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("janitor")

	j := &Janitor{cache: c, metrics: m, log: log}
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(expr, j.sweep); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) sweep() {
	removed := j.cache.PurgeStale()
	if removed > 0 {
		j.log.Debug("stale sweep complete", "removed", removed)
	}
	if j.metrics != nil {
		j.prev = j.metrics.Sample(j.prev, j.cache.Stats())
	}
}

// Start begins the scheduled sweep in a background goroutine owned by the
// underlying cron.Cron.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop cancels the scheduled sweep, waiting for any in-flight run to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

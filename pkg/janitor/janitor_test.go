package janitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhileEndless/go-httpproxy/pkg/cache"
	"github.com/WhileEndless/go-httpproxy/pkg/metrics"
)

func TestNew_RejectsBadCronExpression(t *testing.T) {
	c := cache.New()
	require.NoError(t, c.Init(4, 1024))
	_, err := New(c, nil, "not a cron expression", nil)
	assert.Error(t, err)
}

func TestSweep_PurgesStaleEntries(t *testing.T) {
	c := cache.New()
	require.NoError(t, c.Init(4, 1024))

	base := time.Unix(1_700_000_000, 0)
	now := base
	c.SetClock(func() time.Time { return now })

	require.NoError(t, c.Put("k1", []byte("v1"), 1))
	now = base.Add(2 * time.Second)

	j, err := New(c, nil, "@every 1m", nil)
	require.NoError(t, err)

	j.sweep()
	assert.Equal(t, 0, c.Len())
}

func TestSweep_SamplesMetricsWhenAttached(t *testing.T) {
	c := cache.New()
	require.NoError(t, c.Init(4, 1024))
	collectors := metrics.New(c)

	require.NoError(t, c.Put("k1", []byte("v1"), 60))
	_, _, _ = c.Get("k1")
	_, _, _ = c.Get("missing")

	j, err := New(c, collectors, "@every 1m", nil)
	require.NoError(t, err)

	j.sweep()

	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.CacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.CacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.CacheInserts))

	// A second sweep with no further cache activity must not double-count.
	j.sweep()
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.CacheHits))
}

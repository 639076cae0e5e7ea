package statsd

import (
	"sync"
	"testing"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metric struct {
	Kind  string
	Name  string
	Value float64
	Tags  []string
}

// recordingClient keeps every timing, count and gauge it is sent.
type recordingClient struct {
	*ddstatsd.NoOpClient

	mu      sync.Mutex
	metrics []metric
}

func (c *recordingClient) add(m metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, m)
	return nil
}

func (c *recordingClient) Timing(name string, value time.Duration, tags []string, _ float64) error {
	return c.add(metric{"timing", name, float64(value), tags})
}

func (c *recordingClient) Count(name string, value int64, tags []string, _ float64) error {
	return c.add(metric{"count", name, float64(value), tags})
}

func (c *recordingClient) Gauge(name string, value float64, tags []string, _ float64) error {
	return c.add(metric{"gauge", name, value, tags})
}

func TestTag(t *testing.T) {
	assert.Equal(t, "stage:update", Tag("stage", "update"))
	assert.Equal(t, "system:", Tag("system", ""))
}

func TestInitRejectsEmptyAddress(t *testing.T) {
	require.Error(t, Init("", nil))
	_, isNoop := Client().(*ddstatsd.NoOpClient)
	assert.True(t, isNoop)
}

func TestEmitWithDefaultClient(t *testing.T) {
	SetClient(nil)
	assert.NotPanics(t, func() {
		EmitStageStat(time.Now(), "update")
		EmitSystemStat(time.Millisecond, "update", "movement")
		EmitDefragStat(2, 1)
	})
}

func TestEmitRecordsMetrics(t *testing.T) {
	client := &recordingClient{NoOpClient: &ddstatsd.NoOpClient{}}
	SetClient(client)
	t.Cleanup(func() { SetClient(nil) })

	EmitStageStat(time.Now(), "update")
	EmitSystemStat(3*time.Millisecond, "update", "movement")
	EmitDefragStat(2, 1)

	require.Len(t, client.metrics, 4)
	assert.Equal(t, "timing", client.metrics[0].Kind)
	assert.Equal(t, "stage", client.metrics[0].Name)
	assert.Equal(t, []string{"stage:update"}, client.metrics[0].Tags)

	assert.Equal(t, metric{"timing", "system", float64(3 * time.Millisecond), []string{"stage:update", "system:movement"}}, client.metrics[1])
	assert.Equal(t, metric{"count", "defrag.compacted", 2, nil}, client.metrics[2])
	assert.Equal(t, metric{"gauge", "defrag.deferred", 1, nil}, client.metrics[3])
}

package metric_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "beergarden",
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegisterAndUnregister(t *testing.T) {
	r := metric.NewRegistry()
	counter := testCounter("requests_total")

	require.NoError(t, r.Register("broker", "requests_total", counter))
	assert.True(t, r.Unregister("broker", "requests_total"))
	assert.False(t, r.Unregister("broker", "requests_total"))
}

func TestRegisterDuplicateKey(t *testing.T) {
	r := metric.NewRegistry()

	require.NoError(t, r.Register("broker", "published", testCounter("published_total")))
	err := r.Register("broker", "published", testCounter("other_total"))
	assert.True(t, errors.IsConflict(err))
}

func TestRegisterSameCollectorTwice(t *testing.T) {
	r := metric.NewRegistry()
	counter := testCounter("shared_total")

	require.NoError(t, r.Register("broker", "a", counter))
	// A second key for an already registered collector is tolerated.
	assert.NoError(t, r.Register("worker", "a", counter))
}

func TestScrapeIncludesRegistered(t *testing.T) {
	r := metric.NewRegistry()
	counter := testCounter("scraped_total")
	require.NoError(t, r.Register("api", "scraped", counter))
	counter.Add(3)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, family := range families {
		if family.GetName() == "beergarden_scraped_total" {
			found = true
			require.Len(t, family.GetMetric(), 1)
			assert.Equal(t, 3.0, family.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

package stats

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(ds)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)

	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddResult("allow", 2*time.Millisecond)
	c.AddResult("block", 3*time.Millisecond)
	c.AddRateLimited()
	c.AddError()

	assert.Equal(t, 1, c.ConnectionCount())
	assert.Equal(t, 2, c.ResultCount())
	assert.Equal(t, 1, c.ErrorCount())
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line   string
		name   string
		labels string
		value  float64
		ok     bool
	}{
		{`moderation_ws_connections 12`, "moderation_ws_connections", "", 12, true},
		{`moderation_cache_lookups_total{result="hit"} 7`, "moderation_cache_lookups_total", `result="hit"`, 7, true},
		{`moderation_requests_total{transport="ws"} 1.5e+02`, "moderation_requests_total", `transport="ws"`, 150, true},
		{`broken{label="x" 1`, "", "", 0, false},
		{`lonely`, "", "", 0, false},
		{`metric notanumber`, "", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, labels, value, ok := parseMetricLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.name, name)
				assert.Equal(t, tt.labels, labels)
				assert.Equal(t, tt.value, value)
			}
		})
	}
}

func TestParseSnapshot(t *testing.T) {
	body := strings.Join([]string{
		`# HELP moderation_ws_connections Current number of active WebSocket connections`,
		`moderation_ws_connections 3`,
		`moderation_requests_total{transport="ws"} 10`,
		`moderation_requests_total{transport="http"} 5`,
		`moderation_cache_lookups_total{result="hit"} 4`,
		`moderation_cache_lookups_total{result="miss"} 11`,
		`moderation_coalesced_batch_size_sum 30`,
		`moderation_coalesced_batch_size_count 3`,
	}, "\n")

	snap, err := parseSnapshot(bufio.NewScanner(strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.connections)
	assert.Equal(t, 15.0, snap.requests)
	assert.Equal(t, 4.0, snap.cacheHits)
	assert.Equal(t, 11.0, snap.cacheMisses)
	assert.Equal(t, 30.0, snap.batchSum)
	assert.Equal(t, 3.0, snap.batchCount)
}

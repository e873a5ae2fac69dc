package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers /api/v1/query with a single-sample vector whose
// value is picked by substring match on the PromQL expression.
func fakePrometheus(t *testing.T, values map[string]string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/api/v1/query") {
			http.NotFound(w, r)
			return
		}
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")

		value := ""
		for fragment, v := range values {
			if strings.Contains(query, fragment) {
				value = v
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if value == "" {
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
			return
		}
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,%q]}]}}`, value)
	}))
	t.Cleanup(server.Close)

	return server
}

func TestGetBusMetrics(t *testing.T) {
	server := fakePrometheus(t, map[string]string{
		"coordination_publish_attempts_total":       "10",
		"coordination_deliveries_total":             "8",
		"coordination_dead_letters_total":           "2",
		"coordination_inbox_overflow_evictions_tot": "1",
	})

	service, err := NewQueryService(server.URL)
	require.NoError(t, err)

	metrics, err := service.GetBusMetrics(context.Background(), "coordinator")
	require.NoError(t, err)

	assert.Equal(t, int64(10), metrics.PublishAttempts)
	assert.Equal(t, int64(8), metrics.Deliveries)
	assert.Equal(t, int64(2), metrics.DeadLetters)
	assert.Equal(t, int64(1), metrics.InboxOverflowEvicted)
	assert.InDelta(t, 0.2, metrics.DeadLetterRate, 1e-9)
}

func TestGetBusMetricsEmptyServer(t *testing.T) {
	server := fakePrometheus(t, nil)

	service, err := NewQueryService(server.URL)
	require.NoError(t, err)

	metrics, err := service.GetBusMetrics(context.Background(), "coordinator")
	require.NoError(t, err)

	assert.Zero(t, metrics.PublishAttempts)
	assert.Zero(t, metrics.DeadLetterRate)
}

func TestGetDeadLetterRate(t *testing.T) {
	server := fakePrometheus(t, map[string]string{
		"rate(coordination_dead_letters_total": "0.5",
	})

	service, err := NewQueryService(server.URL)
	require.NoError(t, err)

	rate, err := service.GetDeadLetterRate(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rate, 1e-9)
}

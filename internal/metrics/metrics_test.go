package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := admissionsTotal
	Init()
	require.Same(t, first, admissionsTotal)
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("cold"))
	ObserveCacheLookup("cold")
	require.Equal(t, before+1, testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("cold")))

	ssrfBefore := testutil.ToFloat64(ssrfRejectionsTotal.WithLabelValues("metadata"))
	ObserveSSRFRejection("metadata")
	require.Equal(t, ssrfBefore+1, testutil.ToFloat64(ssrfRejectionsTotal.WithLabelValues("metadata")))

	gauge := testutil.ToFloat64(activeRenders)
	IncActiveRenders()
	IncActiveRenders()
	DecActiveRenders()
	require.Equal(t, gauge+1, testutil.ToFloat64(activeRenders))

	ObserveRender("completed", 1500*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(renderDurationSeconds))
}

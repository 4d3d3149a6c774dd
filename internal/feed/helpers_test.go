package feed

import (
	"testing"

	"github.com/stretchr/testify/require"

	"purchasesync/internal/metrics"
)

func histogramCount(t *testing.T, m *metrics.Registry) uint64 {
	t.Helper()
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "purchasesync_insert_fetch_seconds" {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

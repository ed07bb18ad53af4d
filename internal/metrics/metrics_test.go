package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/cubrid/shardproxy/internal/statsexport"
)

func TestObserveUpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.Observe(statsexport.GlobalSnapshot{
		Shards: []statsexport.Snapshot{
			{ShardID: 0, NumCasInTran: 2, CurNumCas: 4, WaitQLen: 1},
		},
		ContextsUsed: 3,
		StmtsUsed:    5,
		ClientsUsed:  3,
	})

	mfs, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, mf := range mfs {
		byName[mf.GetName()] = mf
	}

	require.Contains(t, byName, "shardproxy_contexts_in_use")
	require.Equal(t, float64(3), byName["shardproxy_contexts_in_use"].Metric[0].GetGauge().GetValue())
	require.Equal(t, float64(2), byName["shardproxy_cas_in_tran"].Metric[0].GetGauge().GetValue())
	require.Equal(t, float64(1), byName["shardproxy_observations_total"].Metric[0].GetCounter().GetValue())
}

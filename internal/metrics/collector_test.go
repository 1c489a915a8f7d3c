package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/sched"
)

func sampleResult(tti radio.TTI) *sched.TTIResult {
	return &sched.TTIResult{
		TTI: tti,
		Carriers: []sched.CarrierResult{{
			Carrier: 0,
			DL: []grid.Assignment{
				{RNTI: 0x46, RB: radio.NewRBRange(0, 6), MCS: 9, TBS: 102, Kind: grid.KindData},
				{RNTI: radio.SIRNTI, RB: radio.NewRBRange(6, 12), MCS: 2, TBS: 24, Kind: grid.KindBroadcast},
			},
			UL: []grid.Assignment{
				{RNTI: 0x46, RB: radio.NewRBRange(2, 5), MCS: 0, TBS: 6, Kind: grid.KindMsg3},
			},
		}},
	}
}

func TestCollectorFoldsResults(t *testing.T) {
	grantsTotal.Reset()
	grantedBytes.Reset()
	allocatedBlocks.Reset()
	userBytes.Reset()
	lastTTIBlocks.Reset()

	c := NewCollector()
	c.OnResult(sampleResult(10))

	require.Equal(t, 1.0, testutil.ToFloat64(grantsTotal.WithLabelValues("dl", "data")))
	require.Equal(t, 1.0, testutil.ToFloat64(grantsTotal.WithLabelValues("dl", "bcch")))
	require.Equal(t, 1.0, testutil.ToFloat64(grantsTotal.WithLabelValues("ul", "msg3")))
	require.Equal(t, 126.0, testutil.ToFloat64(grantedBytes.WithLabelValues("dl")))
	require.Equal(t, 6.0, testutil.ToFloat64(grantedBytes.WithLabelValues("ul")))
	require.Equal(t, 12.0, testutil.ToFloat64(allocatedBlocks.WithLabelValues("dl")))
	require.Equal(t, 3.0, testutil.ToFloat64(allocatedBlocks.WithLabelValues("ul")))
	require.Equal(t, 12.0, testutil.ToFloat64(lastTTIBlocks.WithLabelValues("0", "dl")))

	// Broadcast volume is cell overhead, not user throughput.
	require.Equal(t, 102.0, testutil.ToFloat64(userBytes.WithLabelValues("0x0046", "dl")))
	require.Equal(t, 0.0, testutil.ToFloat64(userBytes.WithLabelValues("0xffff", "dl")))

	// A second tick accumulates counters but replaces the last-TTI gauge.
	c.OnResult(sampleResult(11))
	require.Equal(t, 252.0, testutil.ToFloat64(grantedBytes.WithLabelValues("dl")))
	require.Equal(t, 12.0, testutil.ToFloat64(lastTTIBlocks.WithLabelValues("0", "dl")))
}

func TestCollectorSnapshotAndForget(t *testing.T) {
	c := NewCollector()
	c.OnResult(&sched.TTIResult{
		TTI: 5,
		Carriers: []sched.CarrierResult{{
			DL: []grid.Assignment{{RNTI: 0x50, RB: radio.NewRBRange(0, 4), TBS: 100, Kind: grid.KindData}},
			UL: []grid.Assignment{{RNTI: 0x46, RB: radio.NewRBRange(2, 4), TBS: 50, Kind: grid.KindData}},
		}},
	})
	c.OnResult(&sched.TTIResult{
		TTI: 6,
		Carriers: []sched.CarrierResult{{
			DL: []grid.Assignment{{RNTI: 0x50, RB: radio.NewRBRange(0, 4), TBS: 100, Kind: grid.KindRetx}},
		}},
	})

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, radio.RNTI(0x46), snap[0].RNTI)
	require.Equal(t, uint64(50), snap[0].ULBytes)
	require.Equal(t, radio.TTI(5), snap[0].LastActive)
	require.Equal(t, radio.RNTI(0x50), snap[1].RNTI)
	require.Equal(t, uint64(200), snap[1].DLBytes)
	require.Equal(t, radio.TTI(6), snap[1].LastActive)

	c.Forget(0x50)
	snap = c.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, radio.RNTI(0x46), snap[0].RNTI)
}

func TestTTIDurationObserved(t *testing.T) {
	ObserveTTIDuration(150 * time.Microsecond)
	require.NotZero(t, testutil.CollectAndCount(ttiDuration))

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var hist *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "macsched_tti_duration_seconds" {
			hist = mf
			break
		}
	}
	require.NotNil(t, hist)
	require.Equal(t, dto.MetricType_HISTOGRAM, hist.GetType())
	require.NotZero(t, hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestExposureIncludesCellCounters(t *testing.T) {
	RegisterCellCounters(func() sched.Counters {
		return sched.Counters{Violations: 3, SIBScheduled: 7}
	})
	RecordCarrierWidths(sched.CellConfig{Carriers: []sched.CarrierConfig{{NofPRB: 25}}})
	RecordActiveUsers(2)

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, "macsched_violations_total 3"), text)
	require.True(t, strings.Contains(text, "macsched_sib_scheduled_total 7"), text)
	require.True(t, strings.Contains(text, `macsched_carrier_blocks{carrier="0"} 25`), text)
	require.True(t, strings.Contains(text, "macsched_active_users 2"), text)
}

package sim

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ranware/macsched/internal/grid"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/sched"
)

// maxViolationDetail caps the violation messages carried verbatim into the
// report; the total count is always exact.
const maxViolationDetail = 20

type userTally struct {
	dlBytes, ulBytes   uint64
	dlGrants, ulGrants uint64
	retx               uint64
}

type stats struct {
	ttis       uint64
	grants     uint64
	retx       uint64
	broadcasts uint64
	rars       uint64
	msg3       uint64
	dlBytes    uint64
	ulBytes    uint64
	arrived    uint64
	departed   uint64
	violations uint64
	detail     []string
	users      map[radio.RNTI]*userTally
}

func newStats() *stats {
	return &stats{users: make(map[radio.RNTI]*userTally)}
}

func (st *stats) record(res *sched.TTIResult) {
	st.ttis++
	for _, cr := range res.Carriers {
		st.rars += uint64(len(cr.RAR))
	}
	res.Assignments(func(cc uint32, dir radio.Dir, a grid.Assignment) {
		st.grants++
		switch dir {
		case radio.DirDL:
			st.dlBytes += uint64(a.TBS)
		case radio.DirUL:
			st.ulBytes += uint64(a.TBS)
		}
		switch a.Kind {
		case grid.KindBroadcast:
			st.broadcasts++
			return
		case grid.KindRAR:
			return
		case grid.KindMsg3:
			st.msg3++
		case grid.KindRetx:
			st.retx++
		}
		u := st.users[a.RNTI]
		if u == nil {
			u = &userTally{}
			st.users[a.RNTI] = u
		}
		switch dir {
		case radio.DirDL:
			u.dlGrants++
			u.dlBytes += uint64(a.TBS)
		case radio.DirUL:
			u.ulGrants++
			u.ulBytes += uint64(a.TBS)
		}
		if a.Kind == grid.KindRetx {
			u.retx++
		}
	})
}

// UserReport is one user's share of a finished run.
type UserReport struct {
	RNTI     string `json:"rnti"`
	DLBytes  uint64 `json:"dl_bytes"`
	ULBytes  uint64 `json:"ul_bytes"`
	DLGrants uint64 `json:"dl_grants"`
	ULGrants uint64 `json:"ul_grants"`
	Retx     uint64 `json:"retx"`
}

// Report is the JSON summary a run leaves behind.
type Report struct {
	RunID           string         `json:"run_id"`
	Seed            int64          `json:"seed"`
	StartedAt       time.Time      `json:"started_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	TTIs            uint64         `json:"ttis"`
	Grants          uint64         `json:"grants"`
	DLBytes         uint64         `json:"dl_bytes"`
	ULBytes         uint64         `json:"ul_bytes"`
	Retransmissions uint64         `json:"retransmissions"`
	Broadcasts      uint64         `json:"broadcasts"`
	RAResponses     uint64         `json:"ra_responses"`
	Msg3Grants      uint64         `json:"msg3_grants"`
	Arrived         uint64         `json:"arrived"`
	Departed        uint64         `json:"departed"`
	Violations      uint64         `json:"violations"`
	ViolationDetail []string       `json:"violation_detail,omitempty"`
	Counters        sched.Counters `json:"counters"`
	CaptureDropped  uint64         `json:"capture_dropped,omitempty"`
	Users           []UserReport   `json:"users"`
}

func (st *stats) report(runID string, seed int64, started time.Time, counters sched.Counters) *Report {
	rep := &Report{
		RunID:           runID,
		Seed:            seed,
		StartedAt:       started,
		DurationSeconds: time.Since(started).Seconds(),
		TTIs:            st.ttis,
		Grants:          st.grants,
		DLBytes:         st.dlBytes,
		ULBytes:         st.ulBytes,
		Retransmissions: st.retx,
		Broadcasts:      st.broadcasts,
		RAResponses:     st.rars,
		Msg3Grants:      st.msg3,
		Arrived:         st.arrived,
		Departed:        st.departed,
		Violations:      st.violations,
		ViolationDetail: st.detail,
		Counters:        counters,
		Users:           make([]UserReport, 0, len(st.users)),
	}
	rntis := make([]radio.RNTI, 0, len(st.users))
	for rnti := range st.users {
		rntis = append(rntis, rnti)
	}
	sort.Slice(rntis, func(i, j int) bool { return rntis[i] < rntis[j] })
	for _, rnti := range rntis {
		u := st.users[rnti]
		rep.Users = append(rep.Users, UserReport{
			RNTI:     rnti.String(),
			DLBytes:  u.dlBytes,
			ULBytes:  u.ulBytes,
			DLGrants: u.dlGrants,
			ULGrants: u.ulGrants,
			Retx:     u.retx,
		})
	}
	return rep
}

// WriteFile writes the report as indented JSON, atomically replacing any
// previous file at path.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("sim: encode report: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("sim: write report: %w", err)
	}
	return nil
}

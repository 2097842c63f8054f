package server

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

// Struct numbers are float64; every counter here stays well below 2^53.

func num[T ~int64 | ~uint64 | ~int | ~float64](v T) *structpb.Value {
	return structpb.NewNumberValue(float64(v))
}

func statsToStruct(st types.QueueStats) *structpb.Struct {
	workers := make([]*structpb.Value, 0, len(st.Workers))
	for _, w := range st.Workers {
		workers = append(workers, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"id":         num(w.ID),
			"thread_id":  num(w.ThreadID),
			"active_job": num(uint64(w.ActiveJob)),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"name":                structpb.NewStringValue(st.Name),
		"backlog":             num(st.Backlog),
		"inflight":            num(st.InFlight),
		"total_jobs":          num(st.TotalJobs),
		"timeouts":            num(st.Timeouts),
		"avg_wait_ns":         num(st.AvgWaitNS),
		"avg_run_ns":          num(st.AvgRunNS),
		"concurrency":         num(st.Concurrency),
		"desired_concurrency": num(st.DesiredConcurrency),
		"pending_cancels":     num(st.PendingCancels),
		"workers":             structpb.NewListValue(&structpb.ListValue{Values: workers}),
	}}
}

func statsFromStruct(s *structpb.Struct) types.QueueStats {
	f := s.GetFields()
	n := func(key string) float64 { return f[key].GetNumberValue() }

	st := types.QueueStats{
		Name:               f["name"].GetStringValue(),
		Backlog:            int64(n("backlog")),
		InFlight:           int64(n("inflight")),
		TotalJobs:          uint64(n("total_jobs")),
		Timeouts:           uint64(n("timeouts")),
		AvgWaitNS:          n("avg_wait_ns"),
		AvgRunNS:           n("avg_run_ns"),
		Concurrency:        int64(n("concurrency")),
		DesiredConcurrency: int64(n("desired_concurrency")),
		PendingCancels:     int64(n("pending_cancels")),
	}
	for _, v := range f["workers"].GetListValue().GetValues() {
		wf := v.GetStructValue().GetFields()
		st.Workers = append(st.Workers, types.WorkerStats{
			ID:        uint64(wf["id"].GetNumberValue()),
			ThreadID:  int(wf["thread_id"].GetNumberValue()),
			ActiveJob: types.JobID(wf["active_job"].GetNumberValue()),
		})
	}
	return st
}

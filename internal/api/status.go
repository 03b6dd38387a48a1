package api

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-watchdog/internal/services"
)

// SnapshotMethod is the full gRPC method name of the status RPC.
const SnapshotMethod = "/watchdog.v1.Status/Snapshot"

// StatusSource produces operator snapshots.
type StatusSource interface {
	Snapshot(ctx context.Context) services.Snapshot
}

// StatusServer is the server API of watchdog.v1.Status.
type StatusServer interface {
	Snapshot(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// StatusServiceDesc describes watchdog.v1.Status. The payload is a
// google.protobuf.Struct so no generated stubs are needed.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: "watchdog.v1.Status",
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "watchdog/v1/status.proto",
}

func snapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SnapshotMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// FetchSnapshot calls the status RPC over conn.
func FetchSnapshot(ctx context.Context, conn grpc.ClientConnInterface) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, SnapshotMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

type statusService struct {
	source StatusSource
}

func (s statusService) Snapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.source == nil {
		return nil, status.Error(codes.FailedPrecondition, "watchdog not configured")
	}
	out, err := SnapshotToStruct(s.source.Snapshot(ctx))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return out, nil
}

// SnapshotToStruct converts a snapshot into a protobuf Struct.
func SnapshotToStruct(snap services.Snapshot) (*structpb.Struct, error) {
	svcs := make([]any, 0, len(snap.Services))
	for _, s := range snap.Services {
		svc := map[string]any{
			"name":             s.Name,
			"state":            s.State,
			"risk_score":       s.RiskScore,
			"signals":          stringsToAny(s.Signals),
			"breaker_open":     s.BreakerOpen,
			"breaker_failures": s.BreakerFailures,
			"uptime_percent":   s.UptimePercent,
			"probes_attempted": s.ProbesAttempted,
			"probe_p95_ms":     float64(s.ProbeP95) / float64(time.Millisecond),
			"interval_seconds": s.Interval.Seconds(),
		}
		if s.BreakerOpen {
			svc["open_until"] = formatTime(s.OpenUntil)
		}
		if !s.LastProbe.IsZero() {
			svc["last_probe"] = formatTime(s.LastProbe)
		}
		svcs = append(svcs, svc)
	}

	books := make([]any, 0, len(snap.Playbooks))
	for _, p := range snap.Playbooks {
		book := map[string]any{
			"name":         p.Name,
			"enabled":      p.Enabled,
			"executions":   p.Executions,
			"successes":    p.Successes,
			"failures":     p.Failures,
			"success_rate": p.SuccessRate,
		}
		if !p.LastExecuted.IsZero() {
			book["last_executed"] = formatTime(p.LastExecuted)
		}
		books = append(books, book)
	}

	found := make([]any, 0, len(snap.Patterns))
	for _, p := range snap.Patterns {
		found = append(found, map[string]any{
			"service":      p.Service,
			"failure_type": string(p.FailureType),
			"occurrences":  p.Occurrences,
			"escalations":  p.Escalations,
			"prevalence":   p.Prevalence,
			"last_seen":    formatTime(p.LastSeen),
		})
	}

	led := map[string]any{
		"head_sequence": snap.Ledger.HeadSequence,
		"head_hash":     snap.Ledger.HeadHash,
	}
	if in := snap.Ledger.Integrity; in != nil {
		integrity := map[string]any{
			"valid":      in.Report.Valid,
			"checked":    in.Report.Checked,
			"checked_at": formatTime(in.CheckedAt),
		}
		if !in.Report.Valid {
			integrity["first_broken"] = in.Report.FirstBroken
			integrity["reason"] = in.Report.Reason
		}
		if in.Err != "" {
			integrity["error"] = in.Err
		}
		led["integrity"] = integrity
	}

	return structpb.NewStruct(map[string]any{
		"generated_at": formatTime(snap.GeneratedAt),
		"services":     svcs,
		"bridge": map[string]any{
			"received":    snap.Bridge.Received,
			"handled":     snap.Bridge.Handled,
			"escalated":   snap.Bridge.Escalated,
			"unmatched":   snap.Bridge.Unmatched,
			"dropped":     snap.Bridge.Dropped,
			"queue_depth": snap.QueueDepth,
		},
		"cascades":            snap.Cascades,
		"preventive_restarts": snap.PreventiveRestarts,
		"playbooks":           books,
		"patterns":            found,
		"ledger":              led,
	})
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/prometheus/procfs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrNotAlive reports a probe that completed but found the target unhealthy.
var ErrNotAlive = errors.New("target not alive")

// ProbeResult is what one probe learned about a service. Zero resource fields
// mean "not measured" unless HasStats is set.
type ProbeResult struct {
	Alive       bool
	Latency     time.Duration
	CPUPercent  float64
	MemoryMB    float64
	Threads     int
	ErrorRate   float64
	RequestRate float64
	HasStats    bool
}

// Prober checks one service.
type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (ProbeResult, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (ProbeResult, error) {
	return f(ctx)
}

// HTTPProber issues GET requests against a health URL. A 5xx status or a
// transport error means dead. A JSON body may report error_rate and
// request_rate.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

type healthPayload struct {
	ErrorRate   *float64 `json:"error_rate"`
	RequestRate *float64 `json:"request_rate"`
}

// NewHTTPProber builds a prober for url.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Probe performs one GET.
func (p *HTTPProber) Probe(ctx context.Context) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return ProbeResult{Latency: time.Since(start)}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	result := ProbeResult{Latency: time.Since(start)}

	if resp.StatusCode >= http.StatusInternalServerError {
		return result, fmt.Errorf("%w: %s returned %s", ErrNotAlive, p.URL, resp.Status)
	}
	result.Alive = true

	var payload healthPayload
	if json.Unmarshal(body, &payload) == nil {
		if payload.ErrorRate != nil {
			result.ErrorRate = *payload.ErrorRate
		}
		if payload.RequestRate != nil {
			result.RequestRate = *payload.RequestRate
		}
	}
	return result, nil
}

// GRPCProber calls grpc.health.v1 Check on a target.
type GRPCProber struct {
	Target  string
	Service string

	once   sync.Once
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	err    error
}

// NewGRPCProber builds a prober for target. service is the health service
// name; empty checks the server as a whole.
func NewGRPCProber(target, service string) *GRPCProber {
	return &GRPCProber{Target: target, Service: service}
}

func (p *GRPCProber) dial() error {
	p.once.Do(func() {
		p.conn, p.err = grpc.NewClient(p.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if p.err == nil {
			p.client = healthpb.NewHealthClient(p.conn)
		}
	})
	return p.err
}

// Probe performs one health check. Anything but SERVING is dead.
func (p *GRPCProber) Probe(ctx context.Context) (ProbeResult, error) {
	if err := p.dial(); err != nil {
		return ProbeResult{}, fmt.Errorf("dial %s: %w", p.Target, err)
	}
	start := time.Now()
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	result := ProbeResult{Latency: time.Since(start)}
	if err != nil {
		return result, err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return result, fmt.Errorf("%w: %s reports %s", ErrNotAlive, p.Target, resp.GetStatus())
	}
	result.Alive = true
	return result, nil
}

// Close releases the client connection.
func (p *GRPCProber) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// ICMPProber sends a single unprivileged echo request.
type ICMPProber struct {
	Address string
	Timeout time.Duration
}

// Probe pings the address once.
func (p *ICMPProber) Probe(ctx context.Context) (ProbeResult, error) {
	pinger, err := probing.NewPinger(p.Address)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("resolve %s: %w", p.Address, err)
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = time.Second
	}
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("ping %s: %w", p.Address, err)
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return ProbeResult{}, fmt.Errorf("%w: no echo reply from %s", ErrNotAlive, p.Address)
	}
	return ProbeResult{Alive: true, Latency: stats.AvgRtt}, nil
}

// ProcessStatsProber reads CPU, RSS and thread count for a local process from
// procfs. CPU percent is the CPU time delta between consecutive probes over
// the wall clock delta, so the first probe reports 0.
type ProcessStatsProber struct {
	PID       int
	MountPath string

	mu      sync.Mutex
	lastCPU float64
	lastAt  time.Time
	now     func() time.Time
}

// NewProcessStatsProber builds a prober for pid under mount (default /proc).
func NewProcessStatsProber(pid int, mount string) *ProcessStatsProber {
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	return &ProcessStatsProber{PID: pid, MountPath: mount, now: time.Now}
}

// Probe reads /proc/<pid>/stat.
func (p *ProcessStatsProber) Probe(ctx context.Context) (ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}
	fs, err := procfs.NewFS(p.MountPath)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("open procfs: %w", err)
	}
	proc, err := fs.Proc(p.PID)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: process %d: %v", ErrNotAlive, p.PID, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return ProbeResult{}, fmt.Errorf("read stat for %d: %w", p.PID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	cpu := stat.CPUTime()
	percent := 0.0
	if !p.lastAt.IsZero() {
		if wall := now.Sub(p.lastAt).Seconds(); wall > 0 {
			percent = (cpu - p.lastCPU) / wall * 100
		}
	}
	p.lastCPU, p.lastAt = cpu, now

	return ProbeResult{
		Alive:      true,
		CPUPercent: percent,
		MemoryMB:   float64(stat.ResidentMemory()) / (1 << 20),
		Threads:    stat.NumThreads,
		HasStats:   true,
	}, nil
}

// Combined runs a liveness prober and, when it is alive, an optional stats
// prober. Stats errors are not fatal to liveness.
type Combined struct {
	Liveness Prober
	Stats    Prober
}

// Probe runs both probers.
func (c Combined) Probe(ctx context.Context) (ProbeResult, error) {
	result, err := c.Liveness.Probe(ctx)
	if err != nil || !result.Alive || c.Stats == nil {
		return result, err
	}
	stats, serr := c.Stats.Probe(ctx)
	if serr != nil {
		return result, nil
	}
	result.CPUPercent = stats.CPUPercent
	result.MemoryMB = stats.MemoryMB
	result.Threads = stats.Threads
	result.HasStats = true
	return result, nil
}

package platform

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/clasp-proto/claspd/internal/config"
	"github.com/clasp-proto/claspd/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// ResourceGuard enforces the router's static resource limits: a hard
// session cap, CPU/memory emergency brakes, and rate limits on the two
// external ingestion paths (Kafka bridge messages, cross-instance peering
// broadcasts) that can otherwise flood the router faster than sessions can
// drain it.
//
// Unlike an auto-scaling capacity manager, ResourceGuard never adjusts its
// own limits — it enforces what config.Config says, and logs every
// rejection.
type ResourceGuard struct {
	cfg    *config.Config
	logger zerolog.Logger
	m      *telemetry.Metrics

	kafkaLimiter     *rate.Limiter
	broadcastLimiter *rate.Limiter
	concurrency      *ConcurrencyLimiter
	cpuMonitor       *CPUMonitor
	proc             *process.Process // nil if gopsutil couldn't open this PID

	currentCPU    atomic.Value
	currentMemory atomic.Value
	currentSessions *int64
}

// ConcurrencyLimiter bounds the number of goroutines doing a particular
// kind of work at once, using a buffered-channel semaphore.
type ConcurrencyLimiter struct {
	sem chan struct{}
	max int
}

// NewConcurrencyLimiter builds a limiter admitting at most max concurrent
// holders.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire attempts to take a slot without blocking.
func (cl *ConcurrencyLimiter) Acquire() bool {
	select {
	case cl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (cl *ConcurrencyLimiter) Release() { <-cl.sem }

// Current reports the number of slots currently held.
func (cl *ConcurrencyLimiter) Current() int { return len(cl.sem) }

// Max reports the limiter's capacity.
func (cl *ConcurrencyLimiter) Max() int { return cl.max }

// NewResourceGuard builds a guard against static configuration. currentSessions
// must point at the router's live session count (updated atomically by the
// caller).
func NewResourceGuard(cfg *config.Config, logger zerolog.Logger, m *telemetry.Metrics, currentSessions *int64) *ResourceGuard {
	kafkaLimiter := rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), cfg.MaxMessagesPerSecond*2)
	broadcastLimiter := rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), cfg.MaxMessagesPerSecond*2)
	concurrency := NewConcurrencyLimiter(cfg.WorkerPoolSize)
	cpuMonitor := NewCPUMonitor(logger)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("gopsutil: could not open self process handle, memory guard disabled")
		proc = nil
	}

	rg := &ResourceGuard{
		cfg:              cfg,
		logger:           logger,
		m:                m,
		kafkaLimiter:     kafkaLimiter,
		broadcastLimiter: broadcastLimiter,
		concurrency:      concurrency,
		cpuMonitor:       cpuMonitor,
		proc:             proc,
		currentSessions:  currentSessions,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Str("cpu_mode", cpuMonitor.Mode()).
		Float64("cpu_allocation", cpuMonitor.GetAllocation()).
		Float64("cpu_limit", cfg.CPULimit).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_sessions", cfg.MaxSessions).
		Msgf("resource guard initialized: %.1f CPUs allocated, will reject at %.0f%%",
			cpuMonitor.GetAllocation(), cfg.CPURejectThreshold)

	return rg
}

// ShouldAcceptSession checks, in order, the hard session cap, the CPU
// emergency brake, and the memory emergency brake. Worker concurrency is not
// consulted.
func (rg *ResourceGuard) ShouldAcceptSession() (accept bool, reason string) {
	currentSessions := atomic.LoadInt64(rg.currentSessions)
	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)

	if currentSessions >= int64(rg.cfg.MaxSessions) {
		rg.logger.Debug().Int64("current_sessions", currentSessions).Int("max_sessions", rg.cfg.MaxSessions).
			Msg("session rejected: at max sessions")
		return false, fmt.Sprintf("at max sessions (%d)", rg.cfg.MaxSessions)
	}
	if currentCPU > rg.cfg.CPURejectThreshold {
		rg.logger.Debug().Float64("current_cpu", currentCPU).Float64("threshold", rg.cfg.CPURejectThreshold).
			Msg("session rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.cfg.CPURejectThreshold)
	}
	if currentMemory > rg.cfg.MemoryLimit {
		rg.logger.Debug().Int64("current_memory_mb", currentMemory/(1024*1024)).
			Int64("limit_mb", rg.cfg.MemoryLimit/(1024*1024)).Msg("session rejected: memory limit exceeded")
		return false, "memory limit exceeded"
	}
	return true, "OK"
}

// ShouldPauseKafkaIngest reports whether the Kafka bridge should pause
// partition consumption because CPU is critically high.
func (rg *ResourceGuard) ShouldPauseKafkaIngest() bool {
	return rg.currentCPU.Load().(float64) > rg.cfg.CPUPauseThreshold
}

// AllowKafkaMessage rate limits Kafka bridge ingestion without blocking.
func (rg *ResourceGuard) AllowKafkaMessage() (allow bool, waitDuration time.Duration) {
	reservation := rg.kafkaLimiter.Reserve()
	if !reservation.OK() {
		return false, 0
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// AllowPeeringBroadcast rate limits inbound cross-instance fanout from
// internal/peering.
func (rg *ResourceGuard) AllowPeeringBroadcast() bool {
	return rg.broadcastLimiter.Allow()
}

// AcquireWorker attempts to reserve a worker-pool concurrency slot.
func (rg *ResourceGuard) AcquireWorker() bool {
	ok := rg.concurrency.Acquire()
	if !ok {
		rg.logger.Warn().Int("current", rg.concurrency.Current()).Int("max", rg.concurrency.Max()).
			Msg("worker concurrency limit reached")
	}
	return ok
}

// ReleaseWorker returns a worker-pool concurrency slot.
func (rg *ResourceGuard) ReleaseWorker() { rg.concurrency.Release() }

// UpdateResources refreshes the guard's CPU and memory snapshots. Call
// periodically (per cfg.MetricsInterval).
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent, throttle, err := rg.cpuMonitor.GetPercent()
	if err != nil {
		telemetry.LogError(rg.logger, err, "failed to read CPU usage", nil)
		cpuPercent = 0
	}
	rg.currentCPU.Store(cpuPercent)

	var memRSS int64
	if rg.proc != nil {
		if info, err := rg.proc.MemoryInfo(); err == nil {
			memRSS = int64(info.RSS)
		} else {
			telemetry.LogError(rg.logger, err, "failed to read process memory via gopsutil", nil)
		}
	}
	rg.currentMemory.Store(memRSS)

	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Uint64("cpu_throttled_events", throttle.NrThrottled).
		Float64("cpu_throttled_sec", throttle.ThrottledSec).
		Int64("memory_mb", rg.currentMemory.Load().(int64)/(1024*1024)).
		Int64("sessions", atomic.LoadInt64(rg.currentSessions)).
		Msg("resource state updated")
}

// StartMonitoring refreshes resource state on cfg.MetricsInterval until ctx
// is canceled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context) {
	ticker := time.NewTicker(rg.cfg.MetricsInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("resource guard monitoring stopped")
				return
			}
		}
	}()
	rg.logger.Info().Dur("interval", rg.cfg.MetricsInterval).Msg("resource guard monitoring started")
}

// Stats returns a snapshot for debug endpoints.
func (rg *ResourceGuard) Stats() map[string]any {
	return map[string]any{
		"max_sessions":         rg.cfg.MaxSessions,
		"current_sessions":     atomic.LoadInt64(rg.currentSessions),
		"cpu_percent":          rg.currentCPU.Load().(float64),
		"cpu_reject_threshold": rg.cfg.CPURejectThreshold,
		"cpu_pause_threshold":  rg.cfg.CPUPauseThreshold,
		"memory_bytes":         rg.currentMemory.Load().(int64),
		"memory_limit_bytes":   rg.cfg.MemoryLimit,
		"workers_current":      rg.concurrency.Current(),
		"workers_max":          rg.concurrency.Max(),
	}
}

package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsSession  int64
	errorsFetcher  int64
	warnsSession   int64
	warnsFetcher   int64
	realtimeReads  int64
	refreshReads   int64
	circuitRejects int64
	cancelAttempts int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "session") {
		atomic.AddInt64(&warnsSession, 1)
	} else if strings.Contains(component, "fetcher") {
		atomic.AddInt64(&warnsFetcher, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "session") {
		atomic.AddInt64(&errorsSession, 1)
	} else if strings.Contains(component, "fetcher") {
		atomic.AddInt64(&errorsFetcher, 1)
	}
}

// IncrementRealtimeRead counts a websocket data frame merged into the store.
func IncrementRealtimeRead(size int) {
	atomic.AddInt64(&realtimeReads, 1)
	recordChannel("realtime_ws", size)
}

// RealtimeReads returns the number of websocket frames merged so far.
func RealtimeReads() int64 {
	return atomic.LoadInt64(&realtimeReads)
}

// IncrementRefreshRead counts a REST refresh result written to the store.
func IncrementRefreshRead(size int) {
	atomic.AddInt64(&refreshReads, 1)
	recordChannel("refresh_rest", size)
}

// IncrementCircuitReject counts a call rejected by the open circuit breaker.
func IncrementCircuitReject() {
	atomic.AddInt64(&circuitRejects, 1)
}

// IncrementCancelAttempt counts an order cancellation dispatched by the
// expiry monitor.
func IncrementCancelAttempt() {
	atomic.AddInt64(&cancelAttempts, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_session":  atomic.LoadInt64(&errorsSession),
		"errors_fetcher":  atomic.LoadInt64(&errorsFetcher),
		"warns_session":   atomic.LoadInt64(&warnsSession),
		"warns_fetcher":   atomic.LoadInt64(&warnsFetcher),
		"realtime_reads":  atomic.LoadInt64(&realtimeReads),
		"refresh_reads":   atomic.LoadInt64(&refreshReads),
		"circuit_rejects": atomic.LoadInt64(&circuitRejects),
		"cancel_attempts": atomic.LoadInt64(&cancelAttempts),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFetcher"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetcher"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFetcher"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetcher"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RealtimeReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["realtime_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RefreshReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["refresh_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CircuitOpenRejects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["circuit_rejects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CancelAttempts"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["cancel_attempts"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

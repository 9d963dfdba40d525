// Command syncload drives a burst of time sync requests at a running
// ChronoMesh node and reports throughput and sample quality.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/VanDung-dev/ChronoMesh-Engine/network"
	"github.com/VanDung-dev/ChronoMesh-Engine/timesync"
)

// LoadConfig holds configuration for the load run.
type LoadConfig struct {
	TargetAddress string
	BindAddress   string
	KeyMaterial   string
	Concurrency   int
	Duration      time.Duration
	ReportFile    string
}

// LoadResult holds the results of a load run.
type LoadResult struct {
	TotalRequests   int64
	SamplesAccepted int64
	Timeouts        int64
	Rejected        int64
	TotalDuration   time.Duration
	RequestsPerSec  float64
	MeanOffsetMs    float64
	MeanDelayMs     float64
	JitterMs        float64
}

func main() {
	config := parseFlags()

	fmt.Println("=== ChronoMesh Sync Load ===")
	fmt.Printf("Target: %s\n", config.TargetAddress)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	result, err := runLoad(config)
	if err != nil {
		log.Fatalf("Load run failed: %v", err)
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() LoadConfig {
	config := LoadConfig{}

	flag.StringVar(&config.TargetAddress, "addr", "tcp://127.0.0.1:5555", "Target node address")
	flag.StringVar(&config.BindAddress, "bind", "tcp://127.0.0.1:6999", "Local bind address")
	flag.StringVar(&config.KeyMaterial, "key", "syncload-client", "Key material for the client identity")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent workers")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of the run")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func runLoad(config LoadConfig) (LoadResult, error) {
	logger := zap.NewNop()
	nodeID := network.DeriveNodeID([]byte(config.KeyMaterial))

	svc := network.NewNetworkService(network.ServiceConfig{
		NodeID:        nodeID,
		BindAddress:   config.BindAddress,
		DispatchGrace: time.Second,
	}, logger)

	stats := timesync.NewStatsAggregator(256)
	engine := timesync.NewEngine(nodeID, svc, svc.Registry(), stats, timesync.EngineConfig{
		SyncInterval: time.Hour, // workers drive requests, not the schedule
		SyncTimeout:  2 * time.Second,
		MaxClockSkew: time.Hour,
	}, clock.New(), logger)

	if err := svc.RegisterHandler(network.TypeTimeSync, engine); err != nil {
		return LoadResult{}, err
	}
	if err := svc.Start(); err != nil {
		return LoadResult{}, err
	}
	defer svc.Stop()

	peer, err := svc.Connect(config.TargetAddress)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to connect to %s: %w", config.TargetAddress, err)
	}

	var (
		totalReqs int64
		wg        sync.WaitGroup
		stopChan  = make(chan struct{})
	)

	startTime := time.Now()

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopChan:
					return
				default:
					atomic.AddInt64(&totalReqs, 1)
					if _, err := engine.RequestSync(peer); err != nil {
						// Small sleep on error to avoid hammering
						time.Sleep(10 * time.Millisecond)
					}
				}
			}
		}()
	}

	time.Sleep(config.Duration)
	close(stopChan)
	wg.Wait()

	// Let in-flight responses land before reading the counters.
	time.Sleep(2 * time.Second)
	duration := time.Since(startTime)

	es := engine.GetStats()
	snap := stats.Snapshot(peer)

	return LoadResult{
		TotalRequests:   atomic.LoadInt64(&totalReqs),
		SamplesAccepted: es.SamplesAccepted,
		Timeouts:        es.Timeouts,
		Rejected:        es.Mismatched + es.NegativeDelay,
		TotalDuration:   duration,
		RequestsPerSec:  float64(atomic.LoadInt64(&totalReqs)) / duration.Seconds(),
		MeanOffsetMs:    snap.MeanOffset,
		MeanDelayMs:     snap.MeanDelay,
		JitterMs:        snap.JitterMs,
	}, nil
}

func printResults(result LoadResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:         %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:   %d\n", result.TotalRequests)
	fmt.Printf("Samples Accepted: %d (%.2f%%)\n", result.SamplesAccepted, float64(result.SamplesAccepted)/float64(result.TotalRequests)*100)
	fmt.Printf("Timeouts:         %d\n", result.Timeouts)
	fmt.Printf("Rejected:         %d\n", result.Rejected)
	fmt.Printf("Requests/sec:     %.2f\n", result.RequestsPerSec)
	fmt.Printf("Mean Offset:      %.3f ms\n", result.MeanOffsetMs)
	fmt.Printf("Mean Delay:       %.3f ms\n", result.MeanDelayMs)
	fmt.Printf("Jitter:           %.3f ms\n", result.JitterMs)
}

func saveReport(config LoadConfig, result LoadResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     config.TargetAddress,
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"samples_accepted": result.SamplesAccepted,
			"timeouts":         result.Timeouts,
			"rejected":         result.Rejected,
			"requests_per_sec": result.RequestsPerSec,
			"mean_offset_ms":   result.MeanOffsetMs,
			"mean_delay_ms":    result.MeanDelayMs,
			"jitter_ms":        result.JitterMs,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}

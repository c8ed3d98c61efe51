// Load generator for the coordinator's upload path. Registers a fleet of
// simulated devices against a running coordinator, then fires concurrent clip
// uploads and reports admission latency and outcome percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	BaseURL        string
	Token          string
	NumUploads     int
	NumDevices     int
	Concurrency    int
	ClipBytes      int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalUploads        uint64
	Accepted            uint64
	Replayed            uint64
	RateLimited         uint64
	Busy                uint64
	Errors              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Coordinator base URL")
	token := flag.String("token", "", "Bearer token for the uploading user")
	uploads := flag.Int("uploads", 1000, "Number of clip uploads to fire")
	devices := flag.Int("devices", 10, "Number of simulated devices")
	concurrency := flag.Int("concurrency", 20, "Number of concurrent uploaders")
	clipBytes := flag.Int("clip-bytes", 64*1024, "Size of each synthetic clip")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	flag.Parse()

	if *token == "" {
		slog.Error("a -token is required")
		return
	}

	config := LoadTestConfig{
		BaseURL:        *baseURL,
		Token:          *token,
		NumUploads:     *uploads,
		NumDevices:     *devices,
		Concurrency:    *concurrency,
		ClipBytes:      *clipBytes,
		ReportInterval: *reportInterval,
	}

	slog.Info("🚀 Starting Upload Load Test")
	slog.Info("Target", "url", config.BaseURL)
	slog.Info("Uploads", "num_uploads", config.NumUploads, "devices", config.NumDevices)
	slog.Info("Concurrency", "concurrency", config.Concurrency)

	if err := registerDevices(config); err != nil {
		slog.Error("device registration failed", "error", err)
		return
	}

	stats := runLoadTest(config)
	printResults(stats)
}

func registerDevices(config LoadTestConfig) error {
	client := &http.Client{Timeout: 10 * time.Second}
	for i := 0; i < config.NumDevices; i++ {
		payload, _ := json.Marshal(map[string]string{
			"device_id":        deviceID(i),
			"firmware_version": "loadtest",
			"model":            "ReSpeaker-Lite",
		})
		req, err := http.NewRequest("POST", config.BaseURL+"/v1/devices/register", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+config.Token)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("register %s: status %d", deviceID(i), resp.StatusCode)
		}
	}
	slog.Info("devices registered", "count", config.NumDevices)
	return nil
}

func deviceID(i int) string { return fmt.Sprintf("LOADTEST-%04d", i) }

func runLoadTest(config LoadTestConfig) *LoadTestStats {
	stats := &LoadTestStats{
		MinLatency: time.Hour, // Initialize to large value
	}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	client := &http.Client{Timeout: 30 * time.Second}

	jobChan := make(chan int, config.NumUploads)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for uploadID := range jobChan {
				fireUpload(client, config, workerID, uploadID, stats, &latencies, &latenciesMu)
			}
		}(i)
	}

	for i := 0; i < config.NumUploads; i++ {
		jobChan <- i
	}
	close(jobChan)

	wg.Wait()
	totalDuration := time.Since(startTime)

	stats.TotalDuration = totalDuration
	stats.ThroughputPerSecond = float64(stats.TotalUploads) / totalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

func fireUpload(
	client *http.Client,
	config LoadTestConfig,
	workerID, uploadID int,
	stats *LoadTestStats,
	latencies *[]time.Duration,
	latenciesMu *sync.Mutex,
) {
	device := deviceID(uploadID % config.NumDevices)
	seq := int64(uploadID/config.NumDevices + 1)

	// Unique clip bytes per upload so the content-addressed store fans out.
	clip := make([]byte, config.ClipBytes)
	rand.Read(clip)
	copy(clip, []byte(fmt.Sprintf("RIFF-load-%d-%d", workerID, uploadID)))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio_file"; filename="clip.wav"`)
	hdr.Set("Content-Type", "audio/wav")
	part, _ := mw.CreatePart(hdr)
	part.Write(clip)
	mw.WriteField("device_id", device)
	mw.WriteField("device_sequence", fmt.Sprintf("%d", seq))
	mw.Close()

	req, err := http.NewRequest("POST", config.BaseURL+"/v1/captures", &buf)
	if err != nil {
		atomic.AddUint64(&stats.Errors, 1)
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+config.Token)

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalUploads, 1)
	if err != nil {
		atomic.AddUint64(&stats.Errors, 1)
		return
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		atomic.AddUint64(&stats.Accepted, 1)
	case http.StatusOK:
		atomic.AddUint64(&stats.Replayed, 1)
	case http.StatusTooManyRequests:
		atomic.AddUint64(&stats.RateLimited, 1)
	case http.StatusServiceUnavailable:
		atomic.AddUint64(&stats.Busy, 1)
	default:
		atomic.AddUint64(&stats.Errors, 1)
	}

	latenciesMu.Lock()
	*latencies = append(*latencies, latency)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	latenciesMu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			total := atomic.LoadUint64(&stats.TotalUploads)
			accepted := atomic.LoadUint64(&stats.Accepted)
			limited := atomic.LoadUint64(&stats.RateLimited)
			busy := atomic.LoadUint64(&stats.Busy)

			slog.Info("progress", "total", total, "accepted", accepted,
				"rate_limited", limited, "busy", busy,
				"min_latency", stats.MinLatency, "max_latency", stats.MaxLatency)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("📊 UPLOAD LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Uploads:          %d\n", stats.TotalUploads)
	fmt.Printf("Accepted:               %d (%.2f%%)\n",
		stats.Accepted,
		float64(stats.Accepted)/float64(stats.TotalUploads)*100)
	fmt.Printf("Replayed:               %d\n", stats.Replayed)
	fmt.Printf("Rate Limited (429):     %d\n", stats.RateLimited)
	fmt.Printf("Busy (503):             %d\n", stats.Busy)
	fmt.Printf("Errors:                 %d\n", stats.Errors)
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f uploads/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.ThroughputPerSecond >= 100 {
		fmt.Println("✅ PASS: Throughput meets target (>100 uploads/sec)")
	} else {
		fmt.Println("❌ FAIL: Throughput below target (<100 uploads/sec)")
	}

	if stats.P95Latency < 100*time.Millisecond {
		fmt.Println("✅ PASS: P95 admission latency meets target (<100ms)")
	} else {
		fmt.Println("⚠️  WARN: P95 admission latency above target (>100ms)")
	}

	admitted := stats.Accepted + stats.Replayed
	admitRate := float64(admitted) / float64(stats.TotalUploads) * 100
	if admitRate >= 95 {
		fmt.Println("✅ PASS: Admission rate meets target (>95%)")
	} else {
		fmt.Println("⚠️  WARN: Admission rate below target (<95%) — raise the rate limit or queue size")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)

	// Simple bubble sort (good enough for testing)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/groupbuy/internal/rpc"
)

// PerfResult gathers aggregated metrics for the test run.
// LatencySum & P95Latency are in nanoseconds.
type PerfResult struct {
	TotalRequests int64
	SuccessCount  int64
	ErrorCount    int64
	PledgedUnits  int64
	LatencySum    int64
	P95Latency    int64
}

const (
	defaultTimeout = 30 * time.Second
	unitsPerPledge = 3
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "service base URL")
	rps := flag.Int("rps", 300, "target pledges per second")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	workers := flag.Int("workers", 50, "concurrent workers")
	campaignID := flag.String("campaign", "", "existing ACTIVE campaign id; empty creates one")
	flag.Parse()

	// ─── HTTP Client & Transport ─────────────────────────────────
	transport := &http.Transport{
		MaxIdleConns:        *workers * 4,
		MaxIdleConnsPerHost: *workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}
	client := rpc.NewClient(httpClient, *baseURL)

	// ─── Campaign handling ───────────────────────────────────────
	var baseline int64
	if *campaignID == "" {
		id, err := createActiveCampaign(client)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create campaign: %v\n", err)
			os.Exit(1)
		}
		*campaignID = id
		fmt.Printf("✅ 새 캠페인 생성됨: ID %s\n", id)
	} else {
		total, err := displayTotal(client, *campaignID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read campaign %s: %v\n", *campaignID, err)
			os.Exit(1)
		}
		baseline = total
	}

	// ─── Banner ──────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🚀 공동구매 약정 부하 테스트 클라이언트")
	fmt.Println("==========================================")
	fmt.Printf("캠페인 ID  : %s\n", *campaignID)
	fmt.Printf("RPS   : %d\n", *rps)
	fmt.Printf("테스트 시간: %v\n", *duration)
	fmt.Println("==========================================")

	// ─── Rate limiter & context ─────────────────────────────────
	burst := *rps / *workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(*rps), burst)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var result PerfResult
	var buyerSeq int64
	runID := time.Now().UnixNano()

	latencyChan := make(chan time.Duration, 4096)
	go trackP95(latencyChan, &result)

	// ─── Workers ────────────────────────────────────────────────
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < *workers; i++ {
		g.Go(func() error {
			for {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				buyer := fmt.Sprintf("perf-%d-%d", runID, atomic.AddInt64(&buyerSeq, 1))
				doRequest(client, *campaignID, buyer, &result, latencyChan)
			}
		})
	}
	g.Wait()
	close(latencyChan)

	totalDur := time.Since(start)

	// ─── Report ─────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("📊 성능 테스트 결과")
	fmt.Println("==========================================")
	fmt.Printf("테스트 시간        : %.2f초\n", totalDur.Seconds())
	fmt.Printf("총 요청 수         : %d\n", result.TotalRequests)
	fmt.Printf("성공한 요청        : %d\n", result.SuccessCount)
	fmt.Printf("실패한 요청        : %d\n", result.ErrorCount)

	actualRPS := float64(result.SuccessCount) / totalDur.Seconds()
	var successRate float64
	if result.TotalRequests > 0 {
		successRate = float64(result.SuccessCount) / float64(result.TotalRequests) * 100
	}

	var avgLatency time.Duration
	if result.SuccessCount > 0 {
		avgLatency = time.Duration(result.LatencySum / result.SuccessCount)
	}

	fmt.Printf("실제 RPS           : %.2f\n", actualRPS)
	fmt.Printf("성공률             : %.2f%%\n", successRate)
	fmt.Printf("평균 레이턴시      : %v\n", avgLatency)
	fmt.Printf("P95 레이턴시       : %v\n", time.Duration(result.P95Latency))
	fmt.Println("==========================================")

	// ─── Data Consistency Check ─────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🔍 데이터 정합성 검증")
	fmt.Println("==========================================")

	if err := verifyDataConsistency(client, *campaignID, baseline+result.PledgedUnits); err != nil {
		fmt.Printf("❌ 정합성 검증 실패: %v\n", err)
	} else {
		fmt.Println("✅ 데이터 정합성 확인 완료")
	}
	fmt.Println("==========================================")
}

// createActiveCampaign creates a three-tier campaign and publishes it.
func createActiveCampaign(client *rpc.Client) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	now := time.Now().UTC()
	resp, err := client.Call(ctx, rpc.CreateCampaignProcedure, map[string]interface{}{
		"owner_id":   "perf-supplier",
		"title":      "Load test campaign",
		"start_date": now.Add(-24 * time.Hour).Format(time.RFC3339),
		"end_date":   now.Add(7 * 24 * time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("create campaign failed: %w", err)
	}
	id := resp.GetFields()["campaign"].GetStructValue().GetFields()["id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("campaign response is empty")
	}

	_, err = client.Call(ctx, rpc.SetBracketsProcedure, map[string]interface{}{
		"campaign_id": id,
		"brackets": []interface{}{
			map[string]interface{}{"min_quantity": 0, "max_quantity": 999, "unit_price": "10.00"},
			map[string]interface{}{"min_quantity": 1000, "max_quantity": 9999, "unit_price": "8.50"},
			map[string]interface{}{"min_quantity": 10000, "unit_price": "7.00"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("set brackets failed: %w", err)
	}

	if _, err := client.Call(ctx, rpc.PublishCampaignProcedure, map[string]interface{}{"campaign_id": id}); err != nil {
		return "", fmt.Errorf("publish campaign failed: %w", err)
	}
	return id, nil
}

// doRequest performs a single SubmitPledge RPC and collects metrics.
func doRequest(client *rpc.Client, campaignID, buyerID string, result *PerfResult, latencyChan chan<- time.Duration) {
	// Use independent context to avoid cancellation when test ends
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	resp, err := client.Call(ctx, rpc.SubmitPledgeProcedure, map[string]interface{}{
		"campaign_id": campaignID,
		"buyer_id":    buyerID,
		"quantity":    unitsPerPledge,
	})
	latency := time.Since(start)

	if err != nil {
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	if resp.GetFields()["pledge"].GetStructValue().GetFields()["id"].GetStringValue() == "" {
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}
	atomic.AddInt64(&result.SuccessCount, 1)
	atomic.AddInt64(&result.PledgedUnits, unitsPerPledge)
	atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
	select {
	case latencyChan <- latency:
	default:
	}
}

// trackP95 maintains a best-effort rolling P95 latency estimation.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)

	for lat := range latencies {
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else {
			// Replace random element (simple reservoir sampling)
			if idx := time.Now().UnixNano() % int64(size); idx < int64(size/10) {
				buf[idx] = lat.Nanoseconds()
			}
		}

		// Update P95 periodically
		if len(buf) >= 100 && len(buf)%100 == 0 {
			copyBuf := make([]int64, len(buf))
			copy(copyBuf, buf)
			slices.Sort(copyBuf)
			p95Index := int(float64(len(copyBuf)) * 0.95)
			if p95Index >= len(copyBuf) {
				p95Index = len(copyBuf) - 1
			}
			atomic.StoreInt64(&result.P95Latency, copyBuf[p95Index])
		}
	}
}

func displayTotal(client *rpc.Client, campaignID string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, rpc.GetProgressProcedure, map[string]interface{}{"campaign_id": campaignID})
	if err != nil {
		return 0, fmt.Errorf("failed to get progress: %w", err)
	}
	return int64(resp.GetFields()["progress"].GetStructValue().GetFields()["display_total"].GetNumberValue()), nil
}

// verifyDataConsistency checks that the campaign's display total matches the
// units this run pledged
func verifyDataConsistency(client *rpc.Client, campaignID string, expected int64) error {
	actual, err := displayTotal(client, campaignID)
	if err != nil {
		return err
	}

	fmt.Printf("캠페인 ID          : %s\n", campaignID)
	fmt.Printf("약정 수량 (DB)     : %d\n", actual)
	fmt.Printf("약정 수량 (테스트) : %d\n", expected)

	if actual != expected {
		return fmt.Errorf("데이터 불일치: DB=%d, 테스트=%d, 차이=%d", actual, expected, actual-expected)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kkkkikiki/groupbuy/internal/config"
	"github.com/kkkkikiki/groupbuy/internal/database"
	"github.com/kkkkikiki/groupbuy/internal/notify"
	"github.com/kkkkikiki/groupbuy/internal/payment"
	"github.com/kkkkikiki/groupbuy/internal/rpc"
	"github.com/kkkkikiki/groupbuy/internal/scheduler"
	"github.com/kkkkikiki/groupbuy/internal/service"
)

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting group-buy service in %s mode", cfg.App.Environment)

	// Initialize database connection and schema
	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database connection: %v", err)
		}
	}()

	// Select the payment gateway
	var gateway payment.Gateway
	if cfg.Payment.GatewayURL != "" {
		gateway = payment.NewHTTPGateway(cfg.Payment.GatewayURL, cfg.Payment.GatewayTimeout, cfg.Payment.GatewayRPS)
		log.Printf("Using payment gateway at %s", cfg.Payment.GatewayURL)
	} else {
		gateway = payment.NewSimulatedGateway()
		log.Println("PAYMENT_GATEWAY_URL not set, using simulated gateway")
	}

	dispatcher := notify.NewRouter(notify.LogSink{})
	opts := []service.Option{
		service.WithGracePeriodLeadTime(cfg.Scheduler.GracePeriodLeadTime()),
		service.WithMaxRetries(cfg.Payment.MaxRetries),
		service.WithAttemptLease(cfg.Payment.AttemptLease),
	}

	lifecycle := service.NewCampaignLifecycle(db.Conn, dispatcher, opts...)
	pledges := service.NewPledgeService(db.Conn, opts...)
	payments := service.NewPaymentRetryEngine(db.Conn, gateway, dispatcher, opts...)
	fulfillments := service.NewFulfillmentService(db.Conn, opts...)

	// Start the lifecycle jobs
	runCtx, stopJobs := context.WithCancel(ctx)
	jobsDone := make(chan error, 1)
	if cfg.Scheduler.Enabled {
		runner := scheduler.NewRunner(
			scheduler.Schedule{Job: scheduler.NewGracePeriodTriggerJob(lifecycle), Interval: cfg.Scheduler.GraceTriggerInterval},
			scheduler.Schedule{Job: scheduler.NewCampaignEvaluationJob(lifecycle), Interval: cfg.Scheduler.EvaluationInterval},
			scheduler.Schedule{Job: scheduler.NewPaymentCollectionJob(payments), Interval: cfg.Scheduler.PaymentCollectionInterval},
			scheduler.Schedule{Job: scheduler.NewPaymentRetryJob(payments), Interval: cfg.Scheduler.PaymentRetryInterval},
		)
		go func() { jobsDone <- runner.Run(runCtx) }()
	} else {
		log.Println("Scheduler disabled")
		jobsDone <- nil
	}

	// Create HTTP mux
	mux := http.NewServeMux()

	// Register campaign service handler
	path, handler := rpc.NewHandler(rpc.NewServer(lifecycle, pledges, payments, fulfillments))
	mux.Handle(path, handler)

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"groupbuy","hostname":"%s"}`, hostname)
		w.Write([]byte(response))
	})

	// Add database health check endpoint
	mux.HandleFunc("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(fmt.Sprintf(`{"status":"error","message":"%s unavailable"}`, db.Driver)))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fmt.Sprintf(`{"status":"ok","%s":"connected"}`, db.Driver)))
	})

	// Add Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(mux, &http2.Server{
			MaxConcurrentStreams: 1000,
		}),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting group-buy service on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	stopJobs()
	select {
	case err := <-jobsDone:
		if err != nil {
			log.Printf("Scheduler stopped with error: %v", err)
		}
	case <-shutdownCtx.Done():
		log.Println("Scheduler did not stop before the shutdown deadline")
	}

	log.Println("Server exited gracefully")
}

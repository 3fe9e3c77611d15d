package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"event-collector/internal/config"
	"event-collector/internal/logger"
	"event-collector/internal/metrics"
	"event-collector/internal/model"
	"event-collector/internal/queue"
	"event-collector/internal/server"

	"github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// 컨테이너 환경에서는 vCPU 단위로 CPU share 가 제한되는데,
	// Go 런타임은 기본적으로 호스트의 모든 논리 코어를 GOMAXPROCS 로
	// 잡으려고 한다. 그대로 두면 busy-loop scheduling 으로 오히려
	// 성능이 떨어지므로, 배포 환경변수에서 vCPU 수에 맞춰 재정의한다.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1) // default: 1 logical CPU
	}

	// ====================================================================
	// Config / Logger / Metrics 초기화
	// ====================================================================
	cfg := config.Load()
	logger.Init(cfg)
	m := metrics.New(cfg.StatsdAddr, cfg.ServiceName)
	defer m.Close()

	// ====================================================================
	// Durable Queue 오픈 (events / errors)
	// ====================================================================
	//
	// 디스크 스풀은 injector 프로세스와 공유된다. 어느 쪽이 먼저
	// 떠도 무방하며, 스풀 디렉토리 생성 실패만 fail-fast.
	// ====================================================================
	eventQueue, err := queue.Open(cfg.QueueDir, "events",
		model.MaximumQueueLength["events"], model.MaximumMessageSize["events"], cfg.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("open events queue")
	}

	errorQueue, err := queue.Open(cfg.QueueDir, "errors",
		model.MaximumQueueLength["errors"], model.MaximumMessageSize["errors"], cfg.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("open errors queue")
	}

	// ====================================================================
	// HTTP Handler
	// ====================================================================
	//
	//  - /v1      : 이벤트 배치 수집 (POST) + CORS preflight (OPTIONS)
	//  - /health  : LB health check
	//  - /metrics : 내부 카운터 스냅샷
	// ====================================================================
	h := server.NewHandler(cfg, m, eventQueue, errorQueue)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1", h.HandleBatch)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/metrics", h.HandleMetrics)

	// 요청 payload 는 작고 빠르다. timeout 을 짧게 잡아
	// 비정상 커넥션이 리소스를 점유하지 못하게 한다.
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM 수신 시 HTTP 서버만 멈추면 된다 — 수락된 이벤트는
	// 이미 디스크 스풀에 있으므로 별도의 flush 가 필요 없다.
	// ====================================================================
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Int("keys", len(cfg.Keys)).
		Msg("event collector listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server terminated")
	}

	log.Info().Msg("shutdown complete")
}

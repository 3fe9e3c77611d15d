package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"event-collector/internal/config"
	"event-collector/internal/injector"
	"event-collector/internal/logger"
	"event-collector/internal/metrics"
	"event-collector/internal/model"
	"event-collector/internal/queue"

	"github.com/rs/zerolog/log"
)

func main() {

	// injector 는 배치 단위 I/O 가 전부라 CPU 요구가 낮다.
	// frontend 와 동일한 규칙으로 GOMAXPROCS 를 고정한다.
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	cfg := config.LoadInjector()
	logger.Init(cfg)
	m := metrics.New(cfg.StatsdAddr, cfg.ServiceName)
	defer m.Close()

	// ====================================================================
	// Durable Queue 오픈
	// ====================================================================
	//
	// 프로세스당 큐 하나를 소비한다. events / errors 는 각각 별도의
	// injector 배포로 비운다 (QUEUE env 로 선택).
	// ====================================================================
	q, err := queue.Open(cfg.QueueDir, cfg.QueueName,
		model.MaximumQueueLength[cfg.QueueName], model.MaximumMessageSize[cfg.QueueName], cfg.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Str("queue", cfg.QueueName).Msg("open queue")
	}

	// ====================================================================
	// Broker 선택
	// ====================================================================
	//
	// BROKER env 에 따라 전송 대상이 정해진다. 종류 검증은
	// LoadInjector 에서 이미 끝났으므로 여기서는 조립만 한다.
	// ====================================================================
	var broker injector.Broker
	switch cfg.Broker {
	case "kafka":
		broker = injector.NewKafkaBroker(cfg.KafkaBrokers, cfg.Topic)
	case "kafka-async":
		broker = injector.NewKafkaAsyncBroker(cfg.KafkaBrokers, cfg.Topic)
	case "kinesis":
		broker = injector.NewKinesisBroker(cfg.AWSRegion, cfg.Topic)
	case "s3":
		broker = injector.NewS3Broker(cfg.AWSRegion, cfg.Topic, cfg.S3Prefix, cfg.InstanceID, m)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info().
		Str("queue", cfg.QueueName).
		Str("broker", cfg.Broker).
		Str("topic", cfg.Topic).
		Msg("injector starting")

	inj := injector.New(q, broker, m,
		cfg.RetryDelay, cfg.BackoffBase, cfg.BatchMaxBytes, cfg.BatchMaxWait)
	inj.Run(ctx)

	log.Info().Msg("shutdown complete")
}

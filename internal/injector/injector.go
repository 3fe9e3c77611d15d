package injector

import (
	"context"
	"errors"
	"math"
	"time"

	"event-collector/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Queue 는 injector 가 의존하는 큐 표면이다.
// Put 은 비동기 브로커의 실패 item 을 되돌려 넣을 때 쓰인다.
type Queue interface {
	Name() string
	Get(ctx context.Context) ([]byte, error)
	Put(msg []byte) error
}

// Injector 는 durable queue 하나를 브로커로 비우는 장기 실행 워커다.
//
// 재시도 계약:
//   - 연결 실패: 로그 + 메트릭 + 고정 delay 후 무한 재시도 (절대 종료 안 함)
//   - 전송 실패: 같은 배치를 고정 delay 후 재전송
//   - throughput 초과: base^attempt 초 backoff 후 같은 배치 재전송
//   - 비동기 실패: item 을 같은 큐에 다시 Put
//
// 어느 경우에도 전송 결과가 조용히 버려지는 일은 없다.
// backoff/재시도 중에는 큐를 더 비우지 않으므로, 브로커 장애가
// 길어지면 큐가 차오르고 frontend 의 Put 이 실패하기 시작한다 —
// 그것이 이 시스템의 backpressure 신호다.
type Injector struct {
	queue   Queue
	broker  Broker
	metrics *metrics.Client

	retryDelay    time.Duration
	backoffBase   float64
	batchMaxBytes int
	batchMaxWait  time.Duration

	sleep func(time.Duration) // 테스트에서 교체
}

func New(q Queue, b Broker, m *metrics.Client, retryDelay time.Duration, backoffBase float64, batchMaxBytes int, batchMaxWait time.Duration) *Injector {
	return &Injector{
		queue:         q,
		broker:        b,
		metrics:       m,
		retryDelay:    retryDelay,
		backoffBase:   backoffBase,
		batchMaxBytes: batchMaxBytes,
		batchMaxWait:  batchMaxWait,
		sleep:         time.Sleep,
	}
}

// Run 은 ctx 가 끝날 때까지 큐를 비운다.
// 브로커 오류로는 리턴하지 않는다.
func (i *Injector) Run(ctx context.Context) {
	i.connect(ctx)
	if ctx.Err() != nil {
		return
	}

	// 비동기 브로커의 실패 item 회수 루프.
	// Failed() 채널은 broker.Close() 가 닫으므로, 종료 시
	// Close 이후까지 기다리면 늦게 확정된 실패도 회수된다.
	requeueDone := make(chan struct{})
	if fs, ok := i.broker.(FailureSource); ok {
		go func() {
			i.requeueLoop(fs)
			close(requeueDone)
		}()
	} else {
		close(requeueDone)
	}

	b := NewBatcher(i.batchMaxBytes, func(items [][]byte) {
		i.deliver(ctx, items)
	})

	i.drain(ctx, b)
	b.Flush()

	// Close 는 비동기 브로커의 in-flight 전송을 마무리하고
	// Failed() 채널을 닫는다. 회수 루프가 끝난 뒤에 리턴해야
	// 종료 직전 실패가 버려지지 않는다.
	if err := i.broker.Close(); err != nil {
		log.Warn().Err(err).Str("queue", i.queue.Name()).Msg("broker close")
	}
	<-requeueDone
}

// drain 은 ctx 가 끝날 때까지 큐에서 배치를 모아 flush 한다.
func (i *Injector) drain(ctx context.Context, b *Batcher) {
	for {
		if ctx.Err() != nil {
			return
		}

		// 다음 item 을 기다리되, 쌓인 배치의 나이가 maxWait 를
		// 넘지 않도록 대기 시간을 제한한다.
		wait := i.batchMaxWait
		if age := b.Age(); age > 0 {
			wait = i.batchMaxWait - age
			if wait <= 0 {
				b.Flush()
				continue
			}
		}

		getCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := i.queue.Get(getCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// 대기 시간 초과 — 저트래픽에서도 지연을 maxWait 로 묶는다.
			b.Flush()
			continue
		}

		b.Add(msg)
		if b.Age() > i.batchMaxWait {
			b.Flush()
		}
	}
}

// connect 는 성공할 때까지 브로커 연결을 반복한다.
func (i *Injector) connect(ctx context.Context) {
	for ctx.Err() == nil {
		err := i.broker.Connect(ctx)
		if err == nil {
			log.Info().Str("queue", i.queue.Name()).Msg("broker connected")
			return
		}

		log.Warn().Err(err).Str("queue", i.queue.Name()).Msg("could not connect to broker")
		i.metrics.Count("injector.connection_error", 1)
		i.sleep(i.retryDelay)
	}
}

// deliver 는 배치 하나를 성공할 때까지 전송한다.
// 프로세스 종료(ctx) 시에는 배치를 큐로 되돌리고 나온다 —
// 디스크에 남아 다음 기동 때 다시 전달된다.
func (i *Injector) deliver(ctx context.Context, items [][]byte) {
	attempt := 0
	for {
		err := i.broker.SendBatch(ctx, items)
		if err == nil {
			i.metrics.Count("collected.injector", int64(len(items)))
			return
		}

		log.Warn().Err(err).Str("queue", i.queue.Name()).Int("batch", len(items)).
			Msg("failed to send batch")
		i.metrics.Count("injector.error", 1)

		if ctx.Err() != nil {
			i.requeue(items)
			return
		}

		if errors.Is(err, ErrThroughputExceeded) {
			// rate limit: delay = base^attempt 초, attempt 상한 없음
			attempt++
			i.sleep(time.Duration(math.Pow(i.backoffBase, float64(attempt)) * float64(time.Second)))
			continue
		}

		// 일시 오류: 같은 배치를 고정 간격으로 재시도.
		// 순서 보장을 위해 이 스트림은 여기서 멈춘다.
		i.sleep(i.retryDelay)
	}
}

// requeueLoop 는 비동기 브로커에서 실패로 확정된 item 을
// durable queue 에 되돌려 넣는다. 순서는 깨질 수 있지만
// item 이 사라지지는 않는다. 채널이 닫힐 때까지 돈다 —
// ctx 로 끊지 않아야 종료 중 확정된 실패까지 회수된다.
func (i *Injector) requeueLoop(fs FailureSource) {
	for item := range fs.Failed() {
		i.metrics.Count("injector.requeued", 1)
		if err := i.queue.Put(item); err != nil {
			log.Error().Err(err).Str("queue", i.queue.Name()).Msg("requeue failed")
			i.metrics.Count("injector.requeue_error", 1)
		}
	}
}

func (i *Injector) requeue(items [][]byte) {
	for _, item := range items {
		if err := i.queue.Put(item); err != nil {
			log.Error().Err(err).Str("queue", i.queue.Name()).Msg("requeue failed")
			i.metrics.Count("injector.requeue_error", 1)
		}
	}
}

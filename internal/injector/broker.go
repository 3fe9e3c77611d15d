package injector

import (
	"context"
	"errors"
)

// ErrThroughputExceeded 는 브로커가 rate limit 으로 배치를 거절했음을
// 나타낸다. injector 는 이 오류에만 지수 backoff 를 적용한다.
// 브로커 구현은 해당 오류를 이 sentinel 로 wrap 해서 반환해야 한다.
var ErrThroughputExceeded = errors.New("broker throughput exceeded")

// Broker 는 injector 가 의존하는 유일한 전송 계약이다.
// 구체 브로커(kafka, kinesis, s3)는 이 인터페이스 하나만 구현한다.
type Broker interface {
	// Connect 는 브로커 연결(혹은 클라이언트 구성)을 수행한다.
	// 실패 시 injector 가 고정 간격으로 무한 재시도한다.
	Connect(ctx context.Context) error

	// SendBatch 는 배치 전체를 전송한다.
	//   - nil: 전달 성공 (비동기 브로커는 "접수 성공")
	//   - ErrThroughputExceeded wrap: rate limit → 지수 backoff 후 같은 배치 재전송
	//   - 그 외 오류: 고정 간격 후 같은 배치 재전송 (head-of-line blocking 허용)
	SendBatch(ctx context.Context, items [][]byte) error

	Close() error
}

// FailureSource 는 전송 완료가 비동기로 확정되는 브로커가 추가로
// 구현한다. 실패한 item 은 이 채널로 나오고, injector 가 명시적으로
// 같은 durable queue 에 되돌려 넣는다. (콜백이 큐를 직접 잡게 하지
// 않는다 — requeue 는 injector 의 책임.)
type FailureSource interface {
	Failed() <-chan []byte
}

package injector

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// ------------------------------------------------------------
// Kafka 브로커 구현 2종.
//
//   - KafkaBroker: 동기 전송. WriteMessages 가 ack 까지 기다리므로
//     실패 시 injector 가 같은 배치를 재시도한다. 순서 보장,
//     head-of-line blocking 허용.
//   - KafkaAsyncBroker: 비동기 전송. 접수 즉시 리턴하고, 실패는
//     Completion 훅 → Failed() 채널로 나온다. injector 가 해당
//     item 을 큐로 되돌린다. 순서는 깨질 수 있음.
// ------------------------------------------------------------

func newKafkaWriter(addrs []string, topic string, async bool) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		Async:        async,
	}
}

// KafkaBroker 는 동기 Kafka producer.
type KafkaBroker struct {
	addrs  []string
	topic  string
	writer *kafka.Writer
}

func NewKafkaBroker(addrs []string, topic string) *KafkaBroker {
	return &KafkaBroker{addrs: addrs, topic: topic}
}

// Connect 는 bootstrap 브로커에 실제로 접속해 도달 가능 여부를
// 확인한 뒤 writer 를 구성한다.
func (k *KafkaBroker) Connect(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.addrs[0])
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", k.addrs[0], err)
	}
	_ = conn.Close()

	k.writer = newKafkaWriter(k.addrs, k.topic, false)
	return nil
}

func (k *KafkaBroker) SendBatch(ctx context.Context, items [][]byte) error {
	msgs := make([]kafka.Message, len(items))
	for n, item := range items {
		msgs[n] = kafka.Message{Value: item}
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaBroker) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaAsyncBroker 는 비동기 Kafka producer.
type KafkaAsyncBroker struct {
	addrs  []string
	topic  string
	writer *kafka.Writer
	failed chan []byte
}

func NewKafkaAsyncBroker(addrs []string, topic string) *KafkaAsyncBroker {
	return &KafkaAsyncBroker{
		addrs: addrs,
		topic: topic,
		// 실패 폭주 시 Completion 훅이 잠시 블로킹될 수 있는 크기.
		// requeue 루프가 소비하므로 오래 머물지 않는다.
		failed: make(chan []byte, 1024),
	}
}

func (k *KafkaAsyncBroker) Connect(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", k.addrs[0])
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", k.addrs[0], err)
	}
	_ = conn.Close()

	w := newKafkaWriter(k.addrs, k.topic, true)
	w.Completion = func(messages []kafka.Message, err error) {
		if err == nil {
			return
		}
		// 실패 item 은 채널로만 내보낸다. 큐에 되돌리는 결정과
		// 실행은 injector 의 requeue 루프가 한다.
		for _, m := range messages {
			k.failed <- m.Value
		}
	}
	k.writer = w
	return nil
}

// SendBatch 는 접수만 확인하고 즉시 리턴한다.
// 전송 결과는 Completion → Failed() 로 나온다.
func (k *KafkaAsyncBroker) SendBatch(ctx context.Context, items [][]byte) error {
	msgs := make([]kafka.Message, len(items))
	for n, item := range items {
		msgs[n] = kafka.Message{Value: item}
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

// Failed 는 전송 실패로 확정된 item 채널이다.
func (k *KafkaAsyncBroker) Failed() <-chan []byte {
	return k.failed
}

func (k *KafkaAsyncBroker) Close() error {
	if k.writer == nil {
		return nil
	}
	err := k.writer.Close()
	close(k.failed)
	return err
}

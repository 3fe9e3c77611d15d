package injector

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"event-collector/internal/clock"
	"event-collector/internal/metrics"
	"event-collector/internal/pool"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
)

// ------------------------------------------------------------
// S3 아카이브 브로커.
//
// 배치를 JSONL 로 이어붙여 gzip 압축한 뒤
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<unix>_<instance>_<counter>.jsonl.gz
//
// 키로 업로드한다. dt/hr 파티셔닝은 Athena/Glue 스캔 비용을 줄이는
// 표준 구조. 파일명은 정렬 = 시간 순이 되도록 unix prefix 를 쓴다.
//
// Retry 정책 단일화: SDK retry 는 0으로 고정하고, 애플리케이션
// 레벨 재시도(attempt 당 timeout + capped backoff)만 쓴다.
// 여기서의 재시도가 모두 소진되면 오류가 injector 로 올라가
// 고정 간격 재시도가 무한히 이어진다.
// ------------------------------------------------------------

const (
	s3PutTimeout  = 5 * time.Second
	s3AppRetries  = 3
	s3BackoffInit = 200 * time.Millisecond
	s3BackoffMax  = 2 * time.Second
)

type S3Broker struct {
	region     string
	bucket     string
	prefix     string
	instanceID string
	metrics    *metrics.Client

	client  *s3.Client
	counter atomic.Uint64
}

func NewS3Broker(region, bucket, prefix, instanceID string, m *metrics.Client) *S3Broker {
	return &S3Broker{
		region:     region,
		bucket:     bucket,
		prefix:     prefix,
		instanceID: instanceID,
		metrics:    m,
	}
}

func (b *S3Broker) Connect(ctx context.Context) error {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(b.region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	b.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return nil
}

func (b *S3Broker) SendBatch(ctx context.Context, items [][]byte) error {
	data, err := encodeJSONLGZ(items)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	key := b.objectKey()

	var lastErr error
	backoff := s3BackoffInit

	for attempt := 1; attempt <= s3AppRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// body 는 재시도마다 reader 를 새로 만든다
		if err := b.putObject(ctx, key, bytes.NewReader(data), int64(len(data))); err == nil {
			return nil
		} else {
			lastErr = err
			b.metrics.Count("injector.s3_put_error", 1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > s3BackoffMax {
				backoff = s3BackoffMax
			}
		}
	}

	return lastErr
}

func (b *S3Broker) Close() error {
	return nil
}

// putObject 는 1회 호출만 담당하며, attempt 당 timeout 을 가진다.
func (b *S3Broker) putObject(ctx context.Context, key string, body *bytes.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, s3PutTimeout)
	defer cancel()

	_, err := b.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	return err
}

// objectKey 는 <prefix>/dt=.../hr=.../<unix>_<instance>_<counter>.jsonl.gz
// 를 만든다. counter 는 1e6 에서 wrap 되지만 unix prefix 조합으로
// 충돌 가능성은 무시할 수준.
func (b *S3Broker) objectKey() string {
	filename := fmt.Sprintf("%d_%s_%06d.jsonl.gz",
		clock.Unix(), b.instanceID, b.counter.Add(1)%1_000_000)
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", b.prefix, clock.DT(), clock.HR(), filename)
}

// encodeJSONLGZ 는 직렬화된 이벤트들을 줄 단위로 이어붙여
// gzip 압축한다. writer/buffer 는 풀에서 재사용하고,
// 결과는 호출자 소유의 새 slice 로 복사해 반환한다.
func encodeJSONLGZ(items [][]byte) ([]byte, error) {
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	newline := []byte{'\n'}
	for _, item := range items {
		_, err := gz.Write(item)
		if err == nil {
			_, err = gz.Write(newline)
		}
		if err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// pool 버퍼는 재사용되므로 복사해서 넘긴다
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	pool.PutBuffer(buf)

	return data, nil
}

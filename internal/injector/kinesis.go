package injector

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"
)

// KinesisBroker 는 throughput 제한이 있는 스트림으로의 전송이다.
//
// 레코드 단위 rate limit 을 상각하기 위해 배치를 '\n' 으로 이어붙여
// 레코드 1개로 보낸다. 파티션 키는 배치마다 랜덤 — 샤드에 고르게
// 분산시키는 것이 목적이고, 스트림 차원의 순서 보장은 애초에 없다.
//
// ProvisionedThroughputExceeded 는 ErrThroughputExceeded 로 매핑되어
// injector 가 지수 backoff 로 같은 배치를 재전송한다.
type KinesisBroker struct {
	region string
	stream string
	client *kinesis.Client
}

func NewKinesisBroker(region, stream string) *KinesisBroker {
	return &KinesisBroker{region: region, stream: stream}
}

// Connect 는 AWS 설정을 로드하고 스트림 존재 여부를 확인한다.
// 스트림이 없거나 권한이 없으면 injector 의 연결 재시도 루프로 넘어간다.
func (k *KinesisBroker) Connect(ctx context.Context) error {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(k.region))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	client := kinesis.NewFromConfig(awsCfg)
	_, err = client.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
		StreamName: aws.String(k.stream),
	})
	if err != nil {
		return fmt.Errorf("describe stream %s: %w", k.stream, err)
	}

	k.client = client
	return nil
}

func (k *KinesisBroker) SendBatch(ctx context.Context, items [][]byte) error {
	_, err := k.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(k.stream),
		PartitionKey: aws.String(uuid.NewString()),
		Data:         bytes.Join(items, []byte("\n")),
	})
	if err != nil {
		var throughput *types.ProvisionedThroughputExceededException
		if errors.As(err, &throughput) {
			return fmt.Errorf("kinesis put: %v: %w", err, ErrThroughputExceeded)
		}
		return fmt.Errorf("kinesis put: %w", err)
	}
	return nil
}

func (k *KinesisBroker) Close() error {
	return nil
}

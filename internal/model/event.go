// internal/model/event.go
package model

import (
	json "github.com/goccy/go-json"
)

// ------------------------------------------------------------
// 크기/용량 상수
//
// 이 값들이 바뀌면 큐 디렉토리 용량 정책과 운영 문서도 함께
// 갱신해야 한다. (클라이언트 SDK 의 배치 분할 기준이기도 함)
// ------------------------------------------------------------

const (
	// 한 번의 요청(batch) body 최대 크기
	MaximumBatchSize = 500 * 1024

	// 단일 이벤트(WrappedEvent 직렬화 결과) 최대 크기
	MaximumEventSize = 100 * 1024
)

// 큐별 최대 메시지 수.
// errors 큐는 장애 상황 분석용이므로 작게 유지한다.
var MaximumQueueLength = map[string]int{
	"events": 65536,
	"errors": 1024,
}

// 큐별 최대 메시지 크기.
// errors 큐 메시지는 truncated raw batch 를 포함할 수 있으므로
// 배치 한도 전체를 허용한다.
var MaximumMessageSize = map[string]int{
	"events": MaximumEventSize,
	"errors": MaximumBatchSize,
}

// ------------------------------------------------------------
// 검증 실패 코드
// 메트릭 이름(client-error.<key>.<code>)과 ErrorEvent 에 그대로 쓰인다.
// ------------------------------------------------------------

const (
	CodeTooBig         = "TOO_BIG"
	CodeNoUserAgent    = "NO_USERAGENT"
	CodeInvalidMAC     = "INVALID_MAC"
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeEventTooBig    = "EVENT_TOO_BIG"
)

// Keystore
// ------------------------------------------------------------
// 서명 키 이름 → 공유 시크릿 매핑.
// 프로세스 시작 시 한 번 만들어지고 이후 절대 변경되지 않는다.
// (read-only 이므로 핸들러에서 락 없이 동시 조회 가능)
type Keystore map[string][]byte

// 미등록 키 요청에 쓰이는 sentinel.
// 키가 없어도 "정상 키 + 잘못된 MAC" 과 완전히 동일한 코드 경로를
// 타게 해서, 응답만 보고 키 존재 여부를 알아낼 수 없게 한다.
const (
	UnknownKeyName = "UNKNOWN"
	sentinelSecret = "INVALID"
)

// Lookup 은 키 이름으로 시크릿을 찾는다.
// 없는 키는 (UNKNOWN, sentinel) 로 치환되며, sentinel 은
// 어떤 MAC 도 통과시키지 않는다.
func (k Keystore) Lookup(name string) (string, []byte) {
	if secret, ok := k[name]; ok {
		return name, secret
	}
	return UnknownKeyName, []byte(sentinelSecret)
}

// WrappedEvent
// ------------------------------------------------------------
// 클라이언트 이벤트에 수집 메타데이터를 씌운 구조체.
// events 큐에 저장되는 단위이며, 직렬화된 바이트가 그대로
// 브로커까지 전달된다.
//
// Time 은 요청 시작 시점에 한 번만 캡처한 UTC RFC3339 값으로,
// 같은 배치의 모든 이벤트가 동일한 timestamp 를 가진다.
type WrappedEvent struct {
	IP    string          `json:"ip"`
	Time  string          `json:"time"`
	Event json.RawMessage `json:"event"`
}

// ErrorBody
// ------------------------------------------------------------
// 검증 실패 시 errors 큐로 보내는 payload.
// RawBatch 포함 여부는 배포 정책(ERROR_INCLUDE_BODY)에 따른다.
type ErrorBody struct {
	Key      string `json:"key,omitempty"`
	Error    string `json:"error"`
	RawBatch string `json:"raw_batch,omitempty"`
}

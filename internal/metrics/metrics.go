package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cactus/go-statsd-client/v5/statsd"
	"github.com/rs/zerolog/log"
)

// Client 는 fire-and-forget 카운터 집합이다.
//
// 두 경로로 동시에 기록한다:
//   - statsd (UDP): 외부 지표 시스템용. 주소 미설정 시 조용히 no-op.
//     전송 실패는 무시한다 — 지표 때문에 수집이 느려지면 안 된다.
//   - 내부 스냅샷: /metrics 엔드포인트에서 운영자가 즉시 확인하는 용도.
//
// 카운터 이름은 동적이다. 예:
//
//	client-error.<key>.<code>
//	collected.http.<key>
//	injector.connection_error
type Client struct {
	statter statsd.Statter

	mu       sync.Mutex
	counters map[string]int64
}

// New 는 메트릭 클라이언트를 생성한다.
// addr 이 비어 있으면 statsd 전송 없이 내부 스냅샷만 유지한다.
func New(addr, prefix string) *Client {
	c := &Client{
		counters: make(map[string]int64),
	}

	if addr != "" {
		statter, err := statsd.NewClientWithConfig(&statsd.ClientConfig{
			Address: addr,
			Prefix:  prefix,
		})
		if err != nil {
			// 지표 미전송은 수집 서비스의 치명 장애가 아니다.
			log.Warn().Err(err).Str("addr", addr).Msg("statsd client init failed")
		} else {
			c.statter = statter
		}
	}

	return c
}

// Count 는 이름이 name 인 카운터를 delta 만큼 증가시킨다.
func (c *Client) Count(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()

	if c.statter != nil {
		_ = c.statter.Inc(name, delta, 1.0)
	}
}

// String 은 현재 카운터 스냅샷을 "name=value" 라인으로 반환한다.
// /metrics 응답 포맷.
func (c *Client) String() string {
	c.mu.Lock()
	names := make([]string, 0, len(c.counters))
	for name := range c.counters {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.Grow(256)
	for _, name := range names {
		fmt.Fprintf(&sb, "%s=%d\n", name, c.counters[name])
	}
	c.mu.Unlock()

	return sb.String()
}

// Value 는 단일 카운터 값을 반환한다 (테스트/내부 확인용).
func (c *Client) Value(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Close 는 statsd 소켓을 닫는다.
func (c *Client) Close() {
	if c.statter != nil {
		_ = c.statter.Close()
	}
}

package injector

import (
	"time"
)

// Batcher 는 큐에서 꺼낸 메시지를 크기/시간 제한 배치로 모은다.
//
// 불변식: 배치의 누적 크기는 sizeLimit 을 넘지 않는다.
// 넘치게 만들 Add 는 기존 배치를 먼저 flush 한 뒤 쌓는다.
//
// 시간 제한은 Batcher 자신이 걸지 않는다 — 구동 루프가
// Age() > maxWait 일 때 Flush 를 강제한다. (저트래픽 키의
// 최악 지연을 maxWait 로 묶기 위함.)
type Batcher struct {
	sizeLimit int
	consume   func(items [][]byte)

	items   [][]byte
	size    int
	started time.Time

	now func() time.Time // 테스트에서 교체
}

func NewBatcher(sizeLimit int, consume func(items [][]byte)) *Batcher {
	return &Batcher{
		sizeLimit: sizeLimit,
		consume:   consume,
		now:       time.Now,
	}
}

// Add 는 item 을 배치에 쌓는다. 누적 크기가 한도를 넘게 되면
// 먼저 기존 배치를 flush 하고 나서 쌓는다.
func (b *Batcher) Add(item []byte) {
	if b.size+len(item) > b.sizeLimit {
		b.Flush()
	}
	if len(b.items) == 0 {
		b.started = b.now()
	}
	b.items = append(b.items, item)
	b.size += len(item)
}

// Flush 는 쌓인 배치를 제출 순서 그대로 consume 콜백에 넘기고
// 배치를 비운다. 빈 배치면 아무 것도 하지 않는다.
func (b *Batcher) Flush() {
	if len(b.items) == 0 {
		return
	}
	items := b.items
	// 새로운 slice 로 교체 (consume 쪽과의 재사용 오염 방지)
	b.items = nil
	b.size = 0
	b.consume(items)
}

// Age 는 첫 item 이 쌓인 뒤 경과 시간을 반환한다. 비어 있으면 0.
func (b *Batcher) Age() time.Duration {
	if len(b.items) == 0 {
		return 0
	}
	return b.now().Sub(b.started)
}

// Len 은 현재 배치에 쌓인 item 수.
func (b *Batcher) Len() int {
	return len(b.items)
}

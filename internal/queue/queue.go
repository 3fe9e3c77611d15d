// internal/queue/queue.go
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"event-collector/internal/clock"
)

// ------------------------------------------------------------
// Durable Queue — 디렉토리 스풀 기반 FIFO.
//
// 메시지 1건 = 파일 1개. frontend 와 injector 는 별개 프로세스로
// 같은 디렉토리를 공유하며, 어느 쪽이 재시작해도 쌓인 메시지는
// 남는다. 메시지는 컨슈머가 브로커 전달에 성공하기 전까지(정확히는
// Get 으로 꺼내기 전까지) 디스크에 존재한다.
//
// 파일명 규칙:
//
//	<unix>_<producer>_<counter>.msg
//
// lexicographic 정렬 = 시간 순 = producer 별 제출 순서이므로,
// 별도 인덱스 없이 디렉토리 정렬만으로 FIFO 가 된다.
//
// 쓰기는 .tmp 에 기록 후 rename 한다. rename 은 원자적이므로
// 컨슈머가 절반만 쓰인 파일을 보는 일이 없다.
//
// 컨슈머는 큐당 1개 프로세스를 전제로 한다. Get 은 읽은 뒤
// 파일을 삭제하므로 경쟁 컨슈머 간 중복 소비를 막아주지 않는다.
// ------------------------------------------------------------

var (
	// ErrQueueFull 은 큐가 최대 메시지 수에 도달했을 때 Put 이 반환한다.
	ErrQueueFull = errors.New("queue full")

	// ErrMessageTooBig 은 메시지가 큐의 최대 크기를 초과할 때 반환한다.
	// 오버사이즈 메시지는 잘리지 않고 통째로 거절된다.
	ErrMessageTooBig = errors.New("message exceeds maximum size")
)

const suffix = ".msg"

// DiskQueue 는 단일 스풀 디렉토리에 대한 핸들이다.
// 여러 goroutine 이 동시에 Put 해도 안전하다.
type DiskQueue struct {
	dir            string
	name           string
	maxMessages    int
	maxMessageSize int
	producerID     string
	pollInterval   time.Duration

	counter atomic.Uint64
}

// Open 은 baseDir/<name> 스풀을 연다 (없으면 생성).
// 같은 호스트에서 frontend 와 injector 가 모두 produce 할 수 있으므로
// producer 식별자에 pid 를 포함시켜 파일명 충돌을 막는다.
func Open(baseDir, name string, maxMessages, maxMessageSize int, instanceID string) (*DiskQueue, error) {
	dir := filepath.Join(baseDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir %s: %w", dir, err)
	}

	return &DiskQueue{
		dir:            dir,
		name:           name,
		maxMessages:    maxMessages,
		maxMessageSize: maxMessageSize,
		producerID:     fmt.Sprintf("%s-%d", instanceID, os.Getpid()),
		pollInterval:   20 * time.Millisecond,
	}, nil
}

// Name 은 큐의 논리 이름("events", "errors")을 반환한다.
func (q *DiskQueue) Name() string {
	return q.name
}

// Put 은 메시지를 큐에 넣는다. 블로킹하지 않으며,
// 용량 초과 시 ErrQueueFull, 크기 초과 시 ErrMessageTooBig 를 반환한다.
func (q *DiskQueue) Put(msg []byte) error {
	if len(msg) > q.maxMessageSize {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooBig, len(msg), q.maxMessageSize)
	}

	if q.Len() >= q.maxMessages {
		return ErrQueueFull
	}

	// <unix>_<producer>_<counter>.msg
	// counter 는 producer 내에서 단조 증가 → producer 별 FIFO 보장.
	// 1e6 에서 wrap 되지만 unix prefix 조합으로 충돌 가능성은 무시할 수준.
	filename := fmt.Sprintf("%d_%s_%06d%s",
		clock.Unix(), q.producerID, q.counter.Add(1)%1_000_000, suffix)

	final := filepath.Join(q.dir, filename)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, msg, 0o600); err != nil {
		return fmt.Errorf("write queue message: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish queue message: %w", err)
	}
	return nil
}

// Get 은 가장 오래된 메시지를 꺼내고 파일을 삭제한다.
// 큐가 비어 있으면 메시지가 들어오거나 ctx 가 끝날 때까지
// 폴링 대기한다. (디렉토리 스풀에는 블로킹 수신 primitive 가 없다.)
func (q *DiskQueue) Get(ctx context.Context) ([]byte, error) {
	for {
		name := q.pickOldest()
		if name == "" {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(q.pollInterval):
			}
			continue
		}

		path := filepath.Join(q.dir, name)
		msg, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// 다른 쪽에서 지워진 파일 — 다음 후보로
				continue
			}
			return nil, fmt.Errorf("read queue message: %w", err)
		}

		// 삭제 실패 시 다음 Get 에서 같은 메시지가 다시 나올 수 있다.
		// at-least-once 이므로 허용.
		_ = os.Remove(path)
		return msg, nil
	}
}

// Len 은 현재 큐에 있는 메시지 수를 반환한다.
// 프로세스 간 공유 자원이므로 캐시 없이 디렉토리를 직접 센다.
func (q *DiskQueue) Len() int {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0
	}

	n := 0
	for _, e := range entries {
		if isMessage(e.Name()) {
			n++
		}
	}
	return n
}

// pickOldest 는 스풀에서 파일명 기준 가장 오래된 메시지를 고른다.
// ReadDir 결과는 임의 순서이므로 반드시 정렬한다.
func (q *DiskQueue) pickOldest() string {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return ""
	}

	var files []string
	for _, e := range entries {
		if isMessage(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return ""
	}

	sort.Strings(files)
	return files[0]
}

func isMessage(name string) bool {
	return strings.HasSuffix(name, suffix) && name[0] != '.'
}

package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// 수집 서버는 요청마다 body 읽기 버퍼, 직렬화 버퍼, gzip writer 를
// 만들게 되는데, 트래픽이 몰리면 이 할당이 GC 부담의 대부분이 된다.
// 아래 Pool 들은 메모리 재사용으로 hot path 할당을 없애기 위한 것.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - 요청 body 를 임시 저장하는 버퍼
	//   - 초기 용량 4KB (대부분의 배치는 여기에 수용됨)
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip 인코딩 결과 등 배치 단위 직렬화 버퍼
	//   - 초기 용량 256KB
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용이 크다)
	//   - BestSpeed: 아카이브 경로는 속도 우선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool 에 되돌려줄 최대 버퍼 용량.
// 이보다 커진 버퍼는 풀에 넣지 않고 GC 에 맡겨 메모리 폭주를 예방.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// PutBody 는 BodyPool 에 buf 를 반환할지 결정한다.
// maxCap 보다 커진 버퍼는 버린다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// PutBuffer 는 직렬화 버퍼를 반환한다. 1MB 초과분은 풀로 돌리지 않는다.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

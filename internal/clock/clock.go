// internal/clock/clock.go
package clock

import (
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------
// 1초 해상도 시간 캐시.
//
// 큐 파일명 생성과 S3 파티션 prefix 는 초 단위 정밀도면 충분한데,
// 이벤트마다 time.Now() 를 부르면 hot path 에서 시스템 콜이
// 불필요하게 늘어난다. 1초 ticker 로 갱신해 두고 읽기만 한다.
//
// 사용처:
//   - 큐 메시지 파일명 prefix (<unix>_...)
//   - S3 아카이브 키 (dt=YYYY-MM-DD / hr=HH, UTC 기준)
// ------------------------------------------------------------

var (
	unixSec atomic.Int64

	dtVal atomic.Value // "YYYY-MM-DD"
	hrVal atomic.Value // "HH"
)

func init() {
	update()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for range ticker.C {
			update()
		}
	}()
}

func update() {
	now := time.Now().UTC()
	unixSec.Store(now.Unix())
	dtVal.Store(now.Format("2006-01-02"))
	hrVal.Store(now.Format("15"))
}

// Unix 는 캐시된 UTC epoch seconds 를 반환한다 (1초 정밀도).
func Unix() int64 {
	return unixSec.Load()
}

// DT 는 "YYYY-MM-DD" (UTC) 를 반환한다.
func DT() string {
	return dtVal.Load().(string)
}

// HR 은 "HH" (UTC) 를 반환한다.
func HR() string {
	return hrVal.Load().(string)
}

package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"event-collector/internal/config"
	"event-collector/internal/metrics"
	"event-collector/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// fakeQueue 는 Put 호출을 기록하는 in-memory 큐.
type fakeQueue struct {
	msgs [][]byte
	err  error
}

func (q *fakeQueue) Put(msg []byte) error {
	if q.err != nil {
		return q.err
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	q.msgs = append(q.msgs, cp)
	return nil
}

type fixture struct {
	handler *Handler
	metrics *metrics.Client
	events  *fakeQueue
	errors  *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	m := metrics.New("", "test")
	t.Cleanup(m.Close)

	events := &fakeQueue{}
	errs := &fakeQueue{}

	cfg := config.Config{
		Keys: model.Keystore{
			"TestKey1": []byte("test"),
			"TestKey2": []byte("test2"),
		},
		AllowedOrigins:   []string{"example.com"},
		ErrorIncludeBody: true,
	}

	return &fixture{
		handler: NewHandler(cfg, m, events, errs),
		metrics: m,
		events:  events,
		errors:  errs,
	}
}

func macHex(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func signedRequest(body []byte, key, secret string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1", bytes.NewReader(body))
	r.Header.Set("User-Agent", "collector-test/1.0")
	r.Header.Set("X-Signature", fmt.Sprintf("key=%s, mac=%s", key, macHex(secret, body)))
	return r
}

func (f *fixture) lastError(t *testing.T) (model.WrappedEvent, model.ErrorBody) {
	t.Helper()
	if len(f.errors.msgs) == 0 {
		t.Fatal("no error event published")
	}

	var wrapped model.WrappedEvent
	if err := json.Unmarshal(f.errors.msgs[len(f.errors.msgs)-1], &wrapped); err != nil {
		t.Fatalf("unmarshal wrapped error: %v", err)
	}
	var body model.ErrorBody
	if err := json.Unmarshal(wrapped.Event, &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	return wrapped, body
}

func TestValidBatch(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`[{"action":"click"},{"action":"view"}]`)
	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, signedRequest(batch, "TestKey1", "test"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.events.msgs) != 2 {
		t.Fatalf("enqueued %d events, want 2", len(f.events.msgs))
	}
	if len(f.errors.msgs) != 0 {
		t.Fatalf("published %d error events, want 0", len(f.errors.msgs))
	}
	if got := f.metrics.Value("collected.http.TestKey1"); got != 2 {
		t.Errorf("collected.http.TestKey1 = %d, want 2", got)
	}

	// wrap 결과 확인: ip/time 메타 + 원본 이벤트 유지, 순서 보존
	var first model.WrappedEvent
	if err := json.Unmarshal(f.events.msgs[0], &first); err != nil {
		t.Fatalf("unmarshal wrapped event: %v", err)
	}
	if first.IP == "" || first.Time == "" {
		t.Errorf("wrapped event missing metadata: %+v", first)
	}
	if string(first.Event) != `{"action":"click"}` {
		t.Errorf("first event = %s, want click", first.Event)
	}

	var second model.WrappedEvent
	if err := json.Unmarshal(f.events.msgs[1], &second); err != nil {
		t.Fatalf("unmarshal wrapped event: %v", err)
	}
	if second.Time != first.Time {
		t.Errorf("batch events have different timestamps: %s vs %s", first.Time, second.Time)
	}
}

func TestQueryParamSignature(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`[{"a":1}]`)
	url := fmt.Sprintf("/v1?key=TestKey1&mac=%s", macHex("test", batch))
	r := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(batch))
	r.Header.Set("User-Agent", "collector-test/1.0")

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.events.msgs) != 1 {
		t.Fatalf("enqueued %d events, want 1", len(f.events.msgs))
	}
}

func TestGzipBatch(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`[{"a":1},{"a":2}]`)
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(batch); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	// MAC 은 압축 해제된 내용 기준
	r := httptest.NewRequest(http.MethodPost, "/v1", bytes.NewReader(compressed.Bytes()))
	r.Header.Set("User-Agent", "collector-test/1.0")
	r.Header.Set("Content-Encoding", "gzip")
	r.Header.Set("X-Signature", fmt.Sprintf("key=TestKey1, mac=%s", macHex("test", batch)))

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.events.msgs) != 2 {
		t.Fatalf("enqueued %d events, want 2", len(f.events.msgs))
	}
}

func TestInvalidGzip(t *testing.T) {
	f := newFixture(t)

	body := []byte("definitely not gzip")
	r := httptest.NewRequest(http.MethodPost, "/v1", bytes.NewReader(body))
	r.Header.Set("User-Agent", "collector-test/1.0")
	r.Header.Set("Content-Encoding", "gzip")
	r.Header.Set("X-Signature", fmt.Sprintf("key=TestKey1, mac=%s", macHex("test", body)))

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	// gzip 프로토콜 위반은 error event 를 만들지 않는다
	if len(f.errors.msgs) != 0 {
		t.Fatalf("published %d error events, want 0", len(f.errors.msgs))
	}
}

func TestBatchTooBig(t *testing.T) {
	f := newFixture(t)

	body := bytes.Repeat([]byte("x"), model.MaximumBatchSize+1)
	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, signedRequest(body, "TestKey1", "test"))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if got := f.metrics.Value("client-error.TestKey1.TOO_BIG"); got != 1 {
		t.Errorf("client-error.TestKey1.TOO_BIG = %d, want 1", got)
	}

	_, errBody := f.lastError(t)
	if errBody.Error != model.CodeTooBig {
		t.Errorf("error code = %q, want %q", errBody.Error, model.CodeTooBig)
	}
	if errBody.Key != "TestKey1" {
		t.Errorf("error key = %q, want TestKey1", errBody.Key)
	}
}

func TestChunkedBatchTooBig(t *testing.T) {
	// Content-Length 가 없는 스트리밍 body 는 MaxBytesReader 가 걸러내고,
	// 그 경우에만 TOO_BIG 으로 분류된다.
	f := newFixture(t)

	body := bytes.Repeat([]byte("x"), model.MaximumBatchSize+1)
	// io.NopCloser 로 감싸 httptest 가 ContentLength 를 못 정하게 한다
	r := httptest.NewRequest(http.MethodPost, "/v1", io.NopCloser(bytes.NewReader(body)))
	r.Header.Set("User-Agent", "collector-test/1.0")
	r.Header.Set("X-Signature", "key=TestKey1, mac=irrelevant")

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if got := f.metrics.Value("client-error.TestKey1.TOO_BIG"); got != 1 {
		t.Errorf("client-error.TestKey1.TOO_BIG = %d, want 1", got)
	}
}

// brokenReader 는 전송 중단된 body 를 흉내낸다.
type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestBodyReadErrorIsNotClassifiedTooBig(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodPost, "/v1", brokenReader{})
	r.Header.Set("User-Agent", "collector-test/1.0")
	r.Header.Set("X-Signature", "key=TestKey1, mac=irrelevant")

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	// 읽기 실패는 클라이언트 검증 오류가 아니다 — ErrorEvent 없음
	if len(f.errors.msgs) != 0 {
		t.Fatalf("published %d error events, want 0", len(f.errors.msgs))
	}
	if got := f.metrics.Value("client-error.TestKey1.TOO_BIG"); got != 0 {
		t.Errorf("client-error.TestKey1.TOO_BIG = %d, want 0", got)
	}
}

func TestMissingUserAgent(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`[{"a":1}]`)
	r := signedRequest(batch, "TestKey1", "test")
	r.Header.Del("User-Agent")

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := f.metrics.Value("client-error.TestKey1.NO_USERAGENT"); got != 1 {
		t.Errorf("client-error.TestKey1.NO_USERAGENT = %d, want 1", got)
	}
	if len(f.events.msgs) != 0 {
		t.Fatalf("enqueued %d events, want 0", len(f.events.msgs))
	}
}

func TestInvalidMAC(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`[{"a":1}]`)
	r := httptest.NewRequest(http.MethodPost, "/v1", bytes.NewReader(batch))
	r.Header.Set("User-Agent", "collector-test/1.0")
	r.Header.Set("X-Signature", "key=TestKey1, mac=deadbeef")

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := f.metrics.Value("client-error.TestKey1.INVALID_MAC"); got != 1 {
		t.Errorf("client-error.TestKey1.INVALID_MAC = %d, want 1", got)
	}
}

func TestUnknownKey(t *testing.T) {
	f := newFixture(t)

	// 미등록 키는 UNKNOWN sentinel 로 기록되고, 올바른 MAC 도 통과 못 한다
	batch := []byte(`[{"a":1}]`)
	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, signedRequest(batch, "NoSuchKey", "test"))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := f.metrics.Value("client-error.UNKNOWN.INVALID_MAC"); got != 1 {
		t.Errorf("client-error.UNKNOWN.INVALID_MAC = %d, want 1", got)
	}

	_, errBody := f.lastError(t)
	if errBody.Key != model.UnknownKeyName {
		t.Errorf("error key = %q, want %q", errBody.Key, model.UnknownKeyName)
	}
}

func TestInvalidPayload(t *testing.T) {
	// 배열이 아닌 루트는 전부 거절. `null` 은 Unmarshal 이
	// no-op 성공 처리하므로 별도 케이스로 반드시 확인한다.
	tests := []struct {
		name  string
		batch string
	}{
		{"object", `{"not":"a list"}`},
		{"null", `null`},
		{"string", `"events"`},
		{"number", `42`},
		{"empty body", ``},
		{"broken json", `[{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			batch := []byte(tt.batch)

			w := httptest.NewRecorder()
			f.handler.HandleBatch(w, signedRequest(batch, "TestKey1", "test"))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := f.metrics.Value("client-error.TestKey1.INVALID_PAYLOAD"); got != 1 {
				t.Errorf("client-error.TestKey1.INVALID_PAYLOAD = %d, want 1", got)
			}
			if len(f.events.msgs) != 0 {
				t.Fatalf("enqueued %d events, want 0", len(f.events.msgs))
			}

			_, errBody := f.lastError(t)
			if errBody.Error != model.CodeInvalidPayload {
				t.Errorf("error code = %q, want %q", errBody.Error, model.CodeInvalidPayload)
			}
		})
	}
}

func TestInvalidPayloadKeepsRawBatch(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`{"not":"a list"}`)
	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, signedRequest(batch, "TestKey1", "test"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	_, errBody := f.lastError(t)
	if !strings.Contains(errBody.RawBatch, "not") {
		t.Errorf("raw_batch = %q, want original payload", errBody.RawBatch)
	}
}

func TestEventTooBig(t *testing.T) {
	f := newFixture(t)

	// 개별 이벤트가 한도를 넘으면 배치 전체 거절 (all-or-nothing)
	big := fmt.Sprintf(`[{"a":1},{"pad":"%s"}]`, strings.Repeat("x", model.MaximumEventSize))
	batch := []byte(big)

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, signedRequest(batch, "TestKey1", "test"))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if got := f.metrics.Value("client-error.TestKey1.EVENT_TOO_BIG"); got != 1 {
		t.Errorf("client-error.TestKey1.EVENT_TOO_BIG = %d, want 1", got)
	}
	if len(f.events.msgs) != 0 {
		t.Fatalf("enqueued %d events, want 0", len(f.events.msgs))
	}
}

func TestQueueFullReturns503(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("queue full")

	batch := []byte(`[{"a":1}]`)
	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, signedRequest(batch, "TestKey1", "test"))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if got := f.metrics.Value("queue.full.events"); got != 1 {
		t.Errorf("queue.full.events = %d, want 1", got)
	}
	// 서버 측 장애 — error event 없음
	if len(f.errors.msgs) != 0 {
		t.Fatalf("published %d error events, want 0", len(f.errors.msgs))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/v1", nil)
	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestCORSHeadersOnAllowedOrigin(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`[{"a":1}]`)
	r := signedRequest(batch, "TestKey1", "test")
	r.Header.Set("Origin", "https://sub.example.com")

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestNoCORSHeadersOnDisallowedOrigin(t *testing.T) {
	f := newFixture(t)

	batch := []byte(`[{"a":1}]`)
	r := signedRequest(batch, "TestKey1", "test")
	r.Header.Set("Origin", "https://evil.test")

	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, r)

	// 본 요청 자체는 성공하되 CORS 헤더만 생략
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
	}
}

func TestErrorBodyExcludedWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.handler.cfg.ErrorIncludeBody = false

	batch := []byte(`{"not":"a list"}`)
	w := httptest.NewRecorder()
	f.handler.HandleBatch(w, signedRequest(batch, "TestKey1", "test"))

	_, errBody := f.lastError(t)
	if errBody.RawBatch != "" {
		t.Errorf("raw_batch = %q, want empty when ERROR_INCLUDE_BODY=false", errBody.RawBatch)
	}
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "mood") {
		t.Errorf("body = %q, want mood payload", w.Body.String())
	}
}

func TestHandleMetrics(t *testing.T) {
	f := newFixture(t)
	f.metrics.Count("collected.http.TestKey1", 5)

	w := httptest.NewRecorder()
	f.handler.HandleMetrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "collected.http.TestKey1=5") {
		t.Errorf("body = %q, want counter line", w.Body.String())
	}
}

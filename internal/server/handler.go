package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"event-collector/internal/config"
	"event-collector/internal/metrics"
	"event-collector/internal/model"
	"event-collector/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// EventQueue 는 핸들러가 의존하는 큐 기능의 최소 표면이다.
// 실제 구현은 internal/queue 의 디스크 스풀.
type EventQueue interface {
	Put(msg []byte) error
}

// Handler 는 이벤트 배치 수집 엔드포인트.
//
// 검증 파이프라인은 순서가 고정되어 있고, 각 단계는 실패 시
// 즉시 종료한다. 한 요청의 결과는 반드시 둘 중 하나다:
//   - N개의 WrappedEvent 가 events 큐로 들어가거나
//   - 정확히 1개의 ErrorEvent 가 errors 큐로 들어가거나
//
// (둘 다 일어나는 일은 없다. gzip 오류만 예외적으로 error event
// 없이 끝난다 — 프로토콜 위반이지 애플리케이션 오류가 아님.)
type Handler struct {
	cfg     config.Config
	metrics *metrics.Client
	events  EventQueue
	errors  EventQueue
}

func NewHandler(cfg config.Config, m *metrics.Client, events, errors EventQueue) *Handler {
	return &Handler{
		cfg:     cfg,
		metrics: m,
		events:  events,
		errors:  errors,
	}
}

// HandleBatch 는 POST /v1 (이벤트 배치 수집)과 OPTIONS /v1
// (CORS preflight)을 처리한다. 수집 서버의 hot path.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		h.handlePreflight(w, r)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// 요청 timestamp 는 여기서 한 번만 캡처한다.
	// 같은 배치의 모든 이벤트가 같은 시각을 갖는다.
	start := time.Now().UTC()

	// 키 이름은 오류 메트릭/ErrorEvent 에도 들어가므로 가장 먼저
	// 해석한다. 미등록 키는 sentinel 로 치환되어 아래 모든 단계가
	// 등록 키와 완전히 같은 경로를 탄다.
	keyname, mac := extractSignature(r)
	keyname, secret := h.cfg.Keys.Lookup(keyname)

	// --- 1) 배치 크기 제한 ---
	if r.ContentLength > model.MaximumBatchSize {
		h.publishError(r, start, keyname, model.CodeTooBig, nil)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, model.MaximumBatchSize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, model.MaximumBatchSize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		// Content-Length 가 없는(chunked) 오버사이즈 요청은 여기서 걸린다.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.publishError(r, start, keyname, model.CodeTooBig, buf.Bytes())
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		// 그 외 읽기 실패(전송 중단 등)는 클라이언트 검증 오류가
		// 아니므로 ErrorEvent 를 만들지 않는다.
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body := buf.Bytes()

	// --- 2) 필수 헤더 ---
	if r.UserAgent() == "" {
		h.publishError(r, start, keyname, model.CodeNoUserAgent, body)
		http.Error(w, "no user-agent provided", http.StatusBadRequest)
		return
	}

	// --- 3) gzip 해제 (MAC 검증 전에 수행) ---
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		var data []byte
		if err == nil {
			data, err = io.ReadAll(gz)
		}
		if err != nil {
			http.Error(w, "invalid gzip content", http.StatusBadRequest)
			return
		}
		body = data
	}

	// --- 4~6) MAC 검증 ---
	if !validMAC(secret, body, mac) {
		h.publishError(r, start, keyname, model.CodeInvalidMAC, body)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// --- 7~8) JSON 파싱 + 배열 형태 확인 ---
	// Unmarshal 은 `null` 을 no-op 성공으로 처리하므로, 루트가
	// 배열인지는 첫 바이트로 직접 확인해야 한다.
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		h.publishError(r, start, keyname, model.CodeInvalidPayload, body)
		http.Error(w, "payload must be a json list", http.StatusBadRequest)
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		h.publishError(r, start, keyname, model.CodeInvalidPayload, body)
		http.Error(w, "payload must be a json list", http.StatusBadRequest)
		return
	}

	// --- 9) 개별 이벤트 wrap + 크기 검사 ---
	// 하나라도 한도를 넘으면 배치 전체를 거절한다.
	// 이미 통과한 이벤트도 enqueue 하지 않는다 (all-or-nothing).
	ts := start.Format(time.RFC3339Nano)
	ip := clientIP(r)

	wrapped := make([][]byte, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(model.WrappedEvent{IP: ip, Time: ts, Event: item})
		if err != nil {
			h.publishError(r, start, keyname, model.CodeInvalidPayload, body)
			http.Error(w, "payload must be a json list", http.StatusBadRequest)
			return
		}
		if len(data) > model.MaximumEventSize {
			h.publishError(r, start, keyname, model.CodeEventTooBig, body)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		wrapped = append(wrapped, data)
	}

	// --- 10) enqueue ---
	// 큐 full 은 서버 측 장애이므로 ErrorEvent 를 만들지 않는다.
	// 503 으로 backpressure 를 클라이언트에 그대로 전달.
	for _, data := range wrapped {
		if err := h.events.Put(data); err != nil {
			log.Error().Err(err).Str("key", keyname).Msg("event enqueue failed")
			h.metrics.Count("queue.full.events", 1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}

	h.metrics.Count("collected.http."+keyname, int64(len(wrapped)))

	if origin := r.Header.Get("Origin"); origin != "" && isAllowedOrigin(origin, h.cfg.AllowedOrigins) {
		setCORSHeaders(w)
	}
	w.WriteHeader(http.StatusOK)
}

// publishError 는 검증 실패 1건을 메트릭으로 기록하고
// ErrorEvent 로 만들어 errors 큐에 넣는다.
// enqueue 실패는 로그만 남긴다 — 클라이언트 응답에는 영향 없음.
func (h *Handler) publishError(r *http.Request, start time.Time, keyname, code string, body []byte) {
	h.metrics.Count("client-error."+keyname+"."+code, 1)

	errBody := model.ErrorBody{Key: keyname, Error: code}
	if h.cfg.ErrorIncludeBody && len(body) > 0 {
		// -100 은 wrapper 몫의 여유분
		truncated := body
		if limit := model.MaximumBatchSize - 100; len(truncated) > limit {
			truncated = truncated[:limit]
		}
		errBody.RawBatch = string(truncated)
	}

	payload, err := json.Marshal(errBody)
	if err == nil {
		var data []byte
		data, err = json.Marshal(model.WrappedEvent{
			IP:    clientIP(r),
			Time:  start.Format(time.RFC3339Nano),
			Event: payload,
		})
		if err == nil {
			err = h.errors.Put(data)
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("key", keyname).Str("code", code).Msg("failed to publish error event")
	}
}

// HandleHealth 는 LB health check 용 고정 응답.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"mood":"🍗"}`)
}

// HandleMetrics 는 내부 카운터 스냅샷을 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}

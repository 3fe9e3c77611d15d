// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"event-collector/internal/model"
)

// 필수가 아닌 튜닝 값들의 기본치.
const (
	DefaultRetryDelay    = time.Second
	DefaultBackoffBase   = 2.0
	DefaultBatchMaxBytes = 128 * 1024
	DefaultBatchMaxWait  = 100 * time.Millisecond
)

// Config
//
// 프로세스 실행에 필요한 모든 환경 변수 값을 보관하는 구조체.
// 모든 값은 시작 시점에 Load()/LoadInjector() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
type Config struct {

	// ---------------------------
	// 공통
	// ---------------------------

	ServiceName string // 로그/메트릭 공통 prefix (기본: eventcollector)
	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	QueueDir    string // durable queue 스풀 디렉토리 (frontend/injector 공유)
	StatsdAddr  string // statsd UDP 주소, 비어 있으면 전송 안 함

	LogLevel   string // zerolog 레벨 (기본 info)
	LogPretty  bool   // true: ConsoleWriter, false: JSON
	LogSampleN uint32 // Debug/Info 샘플링 N (0/1 = 샘플링 없음)

	// ---------------------------
	// Frontend (collector)
	// ---------------------------

	HTTPAddr         string         // HTTP bind 주소 (예: ":8080")
	Keys             model.Keystore // KEY_<name>=<base64 secret> 스캔 결과
	AllowedOrigins   []string       // CORS 허용 origin 목록, "*" = 전체 허용
	ErrorIncludeBody bool           // ErrorEvent 에 truncated raw batch 포함 여부

	// ---------------------------
	// Injector
	// ---------------------------

	QueueName     string        // "events" | "errors"
	Broker        string        // "kafka" | "kafka-async" | "kinesis" | "s3"
	Topic         string        // 브로커 topic / stream / bucket 이름
	KafkaBrokers  []string      // kafka bootstrap 주소 목록
	AWSRegion     string        // kinesis / s3 용
	S3Prefix      string        // s3 아카이브 key prefix
	RetryDelay    time.Duration // 연결/전송 실패 시 고정 재시도 간격
	BackoffBase   float64       // throughput 초과 시 지수 backoff 밑
	BatchMaxBytes int           // Batcher size limit
	BatchMaxWait  time.Duration // Batcher 최대 대기 시간
}

// Load 는 frontend(collector) 프로세스용 설정을 초기화한다.
// 필수 env 가 비어있으면 즉시 프로세스를 종료(fail-fast).
func Load() Config {
	cfg := common()

	cfg.HTTPAddr = must("HTTP_ADDR")
	cfg.Keys = loadKeystore()
	cfg.AllowedOrigins = splitList(must("ALLOWED_ORIGINS"))
	cfg.ErrorIncludeBody = envBool("ERROR_INCLUDE_BODY", true)

	return cfg
}

// LoadInjector 는 injector 프로세스용 설정을 초기화한다.
// 소비할 큐 이름(QUEUE)과 브로커 종류(BROKER)는 프로세스마다
// 환경 변수로 선택한다.
func LoadInjector() Config {
	cfg := common()

	cfg.QueueName = must("QUEUE")
	if _, ok := model.MaximumQueueLength[cfg.QueueName]; !ok {
		log.Fatalf("unknown queue name: QUEUE=%q", cfg.QueueName)
	}

	cfg.Broker = must("BROKER")
	cfg.Topic = must("TOPIC")

	switch cfg.Broker {
	case "kafka", "kafka-async":
		cfg.KafkaBrokers = splitList(must("KAFKA_BROKERS"))
	case "kinesis":
		cfg.AWSRegion = must("AWS_REGION")
	case "s3":
		cfg.AWSRegion = must("AWS_REGION")
		cfg.S3Prefix = must("S3_PREFIX")
	default:
		log.Fatalf("unknown broker type: BROKER=%q", cfg.Broker)
	}

	cfg.RetryDelay = envDur("RETRY_DELAY", DefaultRetryDelay)
	cfg.BackoffBase = envFloat("BACKOFF_BASE", DefaultBackoffBase)
	cfg.BatchMaxBytes = envInt("BATCH_MAX_BYTES", DefaultBatchMaxBytes)
	cfg.BatchMaxWait = envDur("BATCH_MAX_WAIT", DefaultBatchMaxWait)

	return cfg
}

func common() Config {
	return Config{
		ServiceName: envStr("SERVICE_NAME", "eventcollector"),
		InstanceID:  fallbackInstanceID(),
		QueueDir:    must("QUEUE_DIR"),
		StatsdAddr:  os.Getenv("STATSD_ADDR"),

		LogLevel:   envStr("LOG_LEVEL", "info"),
		LogPretty:  envBool("LOG_PRETTY", false),
		LogSampleN: uint32(envInt("LOG_SAMPLE_N", 0)),
	}
}

// loadKeystore 는 환경에서 KEY_ prefix 를 스캔하여 keystore 를 만든다.
//
//	KEY_TestKey1=dGVzdA==   →   "TestKey1" → "test"
//
// 값은 base64 인코딩된 시크릿이며, 디코딩 실패나 빈 keystore 는
// 설정 오류이므로 즉시 종료한다.
func loadKeystore() model.Keystore {
	const prefix = "KEY_"

	keys := make(model.Keystore)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}

		keyName := name[len(prefix):]
		secret, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			log.Fatalf("invalid base64 secret for key %q: %v", keyName, err)
		}
		keys[keyName] = secret
	}

	if len(keys) == 0 {
		log.Fatalf("no signing keys configured (expected KEY_<name> env vars)")
	}
	return keys
}

// must / env* helpers
//
// 필수 환경변수가 없거나 형식이 잘못되면 즉시 로그 출력 후 종료(fail-fast).
// 튜닝 값은 기본치를 가진다.
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("invalid float env %s=%q: %v", key, v, err)
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fallbackInstanceID
//
// 이 프로세스를 식별하는 고유 값. 큐 파일명과 로그 공통 필드에 쓰인다.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

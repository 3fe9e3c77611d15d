// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"event-collector/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수.
//
//  1. 포맷: LOG_PRETTY=true 면 개발용 ConsoleWriter,
//     아니면 수집/분석 시스템용 JSON 을 os.Stdout 으로 출력.
//  2. 공통 필드: 모든 로그에 service / instance 가 붙는다.
//  3. 샘플링: LOG_SAMPLE_N > 1 이면 Debug/Info 는 N개 중 1개만 기록.
//     Warn/Error 는 절대 샘플링하지 않는다.
//
// 표준 라이브러리 log 출력도 zerolog 로 우회시킨다.
func Init(cfg config.Config) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	} else {
		w = os.Stdout
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
			// Warn/Error 는 nil → 전량 기록
		})
	}

	zlog.Logger = logger

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

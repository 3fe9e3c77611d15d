package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// parseSignature 는 X-Signature 헤더를 파싱한다.
//
//	X-Signature: key=KeyName, mac=12345678abcdef
//
// 누락되거나 형식이 깨진 필드는 빈 문자열로 해석한다.
func parseSignature(header string) (keyname, mac string) {
	for _, pair := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		switch name {
		case "key":
			keyname = value
		case "mac":
			mac = value
		}
	}
	return keyname, mac
}

// extractSignature 는 요청에서 (키 이름, MAC) 을 뽑아낸다.
// X-Signature 헤더가 없으면 ?key=&mac= 쿼리 파라미터로 fallback.
func extractSignature(r *http.Request) (keyname, mac string) {
	if header := r.Header.Get("X-Signature"); header != "" {
		return parseSignature(header)
	}
	q := r.URL.Query()
	return q.Get("key"), q.Get("mac")
}

// validMAC 은 body 에 대한 HMAC-SHA256 hex digest 를 계산해
// 클라이언트가 보낸 MAC 과 비교한다.
//
// 비교는 hmac.Equal (constant-time primitive) 로만 한다 —
// 첫 불일치 바이트 위치에 따라 소요 시간이 달라지면
// MAC 을 바이트 단위로 추측할 수 있게 된다.
func validMAC(secret, body []byte, mac string) bool {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(mac))
}

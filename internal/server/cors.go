package server

import (
	"net/http"
	"net/url"
	"strings"
)

// ------------------------------------------------------------
// CORS 협상.
//
// 브라우저 클라이언트는 X-Signature 헤더 때문에 preflight 를
// 거친다. preflight 성공과 본 요청 성공 양쪽 모두 아래의
// 고정 헤더 세트를 그대로 내려준다.
// ------------------------------------------------------------

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Max-Age":       "1728000", // 20일
	"Access-Control-Allow-Methods": "POST, OPTIONS",
	"Access-Control-Allow-Headers": "X-Signature",
	"Vary":                         "Origin",
}

func setCORSHeaders(w http.ResponseWriter) {
	for name, value := range corsHeaders {
		w.Header().Set(name, value)
	}
}

// handlePreflight 는 OPTIONS preflight 요청을 검사한다.
// 조건 위반은 전부 403 이며, 사유별 메트릭만 구분한다.
func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	requestedMethod := r.Header.Get("Access-Control-Request-Method")
	if origin == "" || requestedMethod == "" {
		h.metrics.Count("cors.preflight.missing_headers", 1)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	// 요청 헤더 목록은 비어 있거나 정확히 {x-signature} 여야 한다.
	var requested []string
	for _, name := range strings.Split(r.Header.Get("Access-Control-Request-Headers"), ",") {
		if n := strings.ToLower(strings.TrimSpace(name)); n != "" {
			requested = append(requested, n)
		}
	}
	if len(requested) > 1 || (len(requested) == 1 && requested[0] != "x-signature") {
		h.metrics.Count("cors.preflight.bad_requested_headers", 1)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if requestedMethod != http.MethodPost {
		h.metrics.Count("cors.preflight.bad_method", 1)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if !isAllowedOrigin(origin, h.cfg.AllowedOrigins) {
		h.metrics.Count("cors.preflight.bad_origin", 1)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h.metrics.Count("cors.preflight.allowed", 1)
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// isAllowedOrigin 은 origin 이 whitelist 를 통과하는지 검사한다.
//   - "*" 항목이 있으면 전부 허용
//   - scheme 은 http/https 만
//   - 포트는 없거나 80/443 만
//   - hostname 은 whitelist 항목과 같거나 그 서브도메인
func isAllowedOrigin(origin string, whitelist []string) bool {
	if len(whitelist) == 1 && whitelist[0] == "*" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	for _, domain := range whitelist {
		if isSubdomain(host, domain) {
			return true
		}
	}
	return false
}

// isSubdomain 은 domain 이 base 와 같거나 base 의 서브도메인이면 true.
func isSubdomain(domain, base string) bool {
	return domain == base || strings.HasSuffix(domain, "."+base)
}

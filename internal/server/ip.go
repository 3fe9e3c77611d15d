package server

import (
	"net"
	"net/http"
	"strings"
)

// ------------------------------------------------------------
// 클라이언트 IP 추출.
//
// 수집 서버는 LB/프록시 뒤에 배치되므로 RemoteAddr 만으로는
// 실제 사용자 IP 를 알 수 없다. X-Forwarded-For 에서 첫 번째
// public IP 를 고르고, 없으면 RemoteAddr 로 fallback 한다.
// ------------------------------------------------------------

// isPublicIP:
//   - private / loopback / link-local 이 아닌 경우 true
//   - X-Forwarded-For 에서 내부 hop 을 제외하기 위해 필요
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientIP 는 실제 사용자 IP 를 추출한다.
// 우선순위:
//  1. X-Forwarded-For → 첫 번째 public IP
//  2. RemoteAddr fallback (내부망 테스트 등 public IP 가 없는 경우 포함)
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// 예: "203.0.113.1, 10.0.1.24"
		for _, part := range strings.Split(xff, ",") {
			ip := safeParseIP(part)
			if isPublicIP(ip) {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := safeParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

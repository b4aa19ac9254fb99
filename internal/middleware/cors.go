package middleware

import "net/http"

// OriginPolicy はCORSおよびWebSocketハンドシェイクで許可するオリジンを表す。
type OriginPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// NewOriginPolicy はOriginPolicyを生成する。allowAllがtrueの場合は任意のオリジンを許可する。
func NewOriginPolicy(origins []string, allowAll bool) *OriginPolicy {
	p := &OriginPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(origins)),
	}
	for _, o := range origins {
		p.allowed[o] = struct{}{}
	}
	return p
}

// Allows はオリジンが許可されているかを返す。
func (p *OriginPolicy) Allows(origin string) bool {
	if p.allowAll {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

// NewCORSMiddleware はオリジンポリシーに基づくCORSミドルウェアを返す。
// 許可されたオリジンはそのまま Access-Control-Allow-Origin に反映し、credentialsは許可しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(policy *OriginPolicy) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			switch {
			case origin != "" && policy.Allows(origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
			case origin == "" && policy.allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			// OPTIONSプリフライトリクエストには204で応答
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

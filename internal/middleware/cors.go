package middleware

import (
	"net/http"
	"strings"
)

// Origins はCORS_ALLOWED_ORIGINをカンマ区切りで解釈した許可オリジンの一覧。
type Origins []string

// ParseOrigins はカンマ区切りの文字列をOriginsに変換する。空要素と末尾の/は取り除く。
func ParseOrigins(s string) Origins {
	var origins Origins
	for _, o := range strings.Split(s, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Allows はoriginが許可されているかを返す。"*"は全オリジンを許可する。
func (o Origins) Allows(origin string) bool {
	for _, allowed := range o {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// NewCORSMiddleware は許可オリジンに対するCORSミドルウェアを返す。
// リクエストのOriginが許可されていればそのまま返し、Originがなければ先頭の許可オリジンを返す。
// 許可されないOriginにはAccess-Control-Allow-Originを付けない。
// Bearerトークンを送るためAuthorizationヘッダーを許可し、429のRetry-Afterをクライアントに公開する。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	origins := ParseOrigins(allowedOrigin)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			switch {
			case origin == "" && len(origins) > 0 && origins[0] != "*":
				h.Set("Access-Control-Allow-Origin", origins[0])
			case origin != "" && origins.Allows(origin):
				// credentials送信と共存するため、ワイルドカード設定でも実際のOriginを返す
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Expose-Headers", "Retry-After")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

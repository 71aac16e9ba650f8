package i18n

import "net/http"

// Middleware picks the message language per request: the "lang" query
// parameter, then Accept-Language, then fallback.
func Middleware(fallback string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			prefs := []string{r.URL.Query().Get("lang"), r.Header.Get("Accept-Language")}
			lang := Match(prefs...)
			if prefs[0] == "" && prefs[1] == "" {
				lang = fallback
			}
			w.Header().Set("Content-Language", lang)
			ctx := WithLocalizer(r.Context(), NewLocalizer(lang))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

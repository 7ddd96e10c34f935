package i18n

import (
	"net/http"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

var supported = language.NewMatcher([]language.Tag{language.Chinese, language.English})

// Middleware injects a localizer into every request context. A request's
// Accept-Language header picks between the bundled languages; without one
// the configured lang is used.
func Middleware(lang string) func(http.Handler) http.Handler {
	fallback := NewLocalizer(lang)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loc := fallback
			if accept := r.Header.Get("Accept-Language"); accept != "" && bundle != nil {
				loc = requestLocalizer(accept, lang)
			}
			next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
		})
	}
}

func requestLocalizer(accept, lang string) *goi18n.Localizer {
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return NewLocalizer(lang)
	}
	tag, _, conf := supported.Match(tags...)
	if conf == language.No {
		return NewLocalizer(lang)
	}
	base, _ := tag.Base()
	return goi18n.NewLocalizer(bundle, base.String(), lang, DefaultLang)
}

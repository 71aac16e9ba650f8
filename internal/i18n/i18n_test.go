package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	require.NoError(t, Init(lang))
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	assert.Equal(t, "Grader", T(ctx, "AppTitle"))
	assert.Equal(t, "This problem is closed.", T(ctx, "ProblemClosed"))
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	assert.Equal(t, "Задание закрыто.", T(ctx, "ProblemClosed"))
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	assert.Equal(t, "1 attempt left.", Tp(ctx, "AttemptsLeft", 1))
	assert.Equal(t, "5 attempts left.", Tp(ctx, "AttemptsLeft", 5))
}

func TestRussianPluralForms(t *testing.T) {
	ctx := initLang(t, "ru")

	tests := []struct {
		count int
		want  string
	}{
		{1, "Осталась 1 попытка."},
		{3, "Осталось 3 попытки."},
		{5, "Осталось 5 попыток."},
		{21, "Осталась 21 попытка."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tp(ctx, "AttemptsLeft", tt.count), "count %d", tt.count)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "InvalidDefinition", map[string]any{"Error": "missing id"})
	assert.Equal(t, "The problem definition is invalid: missing id", got)
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	assert.Equal(t, "NonExistentKey", T(ctx, "NonExistentKey"))
}

func TestMiddleware(t *testing.T) {
	initLang(t, "ru")

	var got string
	h := Middleware("ru")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ProblemClosed")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "Задание закрыто.", got)
}

func TestMiddlewareNegotiation(t *testing.T) {
	initLang(t, "en")

	tests := []struct {
		name     string
		target   string
		accept   string
		want     string
		wantLang string
	}{
		{"fallback", "/", "", "This problem is closed.", "en"},
		{"accept-language", "/", "ru-RU,ru;q=0.9,en;q=0.5", "Задание закрыто.", "ru"},
		{"query wins", "/?lang=ru", "en-US", "Задание закрыто.", "ru"},
		{"unknown language", "/", "ja-JP", "This problem is closed.", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = T(r.Context(), "ProblemClosed")
			}))
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantLang, rec.Header().Get("Content-Language"))
		})
	}
}

package http

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/core"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		endOfDay  bool
		want      time.Time
		wantError bool
	}{
		{name: "date", value: "2026-02-10", want: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)},
		{name: "date as upper bound", value: "2026-02-10", endOfDay: true, want: time.Date(2026, 2, 10, 23, 59, 59, 999999999, time.UTC)},
		{name: "rfc3339 is normalised to UTC", value: "2026-02-10T10:00:00+02:00", want: time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)},
		{name: "rfc3339 ignores endOfDay", value: "2026-02-10T10:00:00Z", endOfDay: true, want: time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC)},
		{name: "garbage", value: "10/02/2026", wantError: true},
		{name: "empty", value: "", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTime(tt.value, tt.endOfDay)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}
}

func TestParseRange(t *testing.T) {
	from, to, err := parseRange(url.Values{"from": {"2026-01-01"}, "to": {"2026-01-31"}})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, 31, to.Day())
	assert.Equal(t, 23, to.Hour())

	from, to, err = parseRange(url.Values{})
	require.NoError(t, err)
	assert.Nil(t, from)
	assert.Nil(t, to)

	_, _, err = parseRange(url.Values{"to": {"yesterday"}})
	assert.True(t, core.IsCode(err, core.CodeValidation))
}

func TestResolveAmount(t *testing.T) {
	minor := int64(1234)
	got, err := resolveAmount(&minor, "99.99", "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), got, "amountMinor wins")

	got, err = resolveAmount(nil, "12,345", "EUR")
	require.NoError(t, err)
	assert.Equal(t, int64(1235), got)

	got, err = resolveAmount(nil, "1200", "JPY")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), got)

	_, err = resolveAmount(nil, "", "EUR")
	assert.True(t, core.IsCode(err, core.CodeValidation))
	_, err = resolveAmount(nil, "-5", "EUR")
	assert.True(t, core.IsCode(err, core.CodeValidation))
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	decode := func(raw string) error {
		var dst body
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw))
		return decodeJSON(httptest.NewRecorder(), r, &dst)
	}

	assert.NoError(t, decode(`{"name":"ok"}`))
	assert.ErrorIs(t, decode(``), errEmptyBody)
	assert.True(t, core.IsCode(decode(`{"name":"ok","extra":1}`), core.CodeValidation), "unknown fields are rejected")
	assert.True(t, core.IsCode(decode(`{"name":`), core.CodeValidation))
	assert.True(t, core.IsCode(decode(`{"name":"a"}{"name":"b"}`), core.CodeValidation))

	var dst body
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.NoError(t, decodeOptionalJSON(httptest.NewRecorder(), r, &dst))
}

func TestSanitizeInputAndActor(t *testing.T) {
	assert.Equal(t, "Cena\tda Mario", sanitizeInput("  Cena\tda Mario\x07 "))
	assert.Equal(t, "ab", sanitizeInput("a\x00b"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "api", actorFrom(r, "api"))
	r.Header.Set(headerActor, "  alice\x01 ")
	assert.Equal(t, "alice", actorFrom(r, "api"))
	r.Header.Set(headerActor, strings.Repeat("x", 100))
	assert.Len(t, actorFrom(r, "api"), 64)
}

// Package http exposes the reconciliation engine as a JSON API.
//
// This file holds request decoding helpers: JSON bodies, date and range
// query parameters, amounts and the caller headers.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rimborsi/internal/core"
)

const (
	maxBodyBytes = 1 << 20

	headerActor         = "X-Actor"
	headerApprovalToken = "X-Approval-Token"

	dateLayout = "2006-01-02"
)

var errEmptyBody = core.NewValidationError("request body is required")

// decodeJSON strictly decodes the request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &maxErr):
			return core.NewValidationError("request body too large")
		default:
			return core.NewValidationError("invalid JSON body").WithDetail("reason", err.Error())
		}
	}
	if dec.More() {
		return core.NewValidationError("request body must contain a single JSON object")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints where every field is optional.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(w, r, dst)
	if errors.Is(err, errEmptyBody) {
		return nil
	}
	return err
}

// parseTime accepts YYYY-MM-DD or RFC3339. A bare date is midnight UTC, or the
// last instant of that day when endOfDay is set.
func parseTime(value string, endOfDay bool) (time.Time, error) {
	value = strings.TrimSpace(value)
	if d, err := time.Parse(dateLayout, value); err == nil {
		if endOfDay {
			return d.Add(24*time.Hour - time.Nanosecond), nil
		}
		return d, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", value)
	}
	return t.UTC(), nil
}

// parseRange reads the optional from/to query parameters.
func parseRange(query url.Values) (from, to *time.Time, err error) {
	if v := query.Get("from"); v != "" {
		t, err := parseTime(v, false)
		if err != nil {
			return nil, nil, core.NewValidationError("invalid from").WithDetail("reason", err.Error())
		}
		from = &t
	}
	if v := query.Get("to"); v != "" {
		t, err := parseTime(v, true)
		if err != nil {
			return nil, nil, core.NewValidationError("invalid to").WithDetail("reason", err.Error())
		}
		to = &t
	}
	return from, to, nil
}

// parseOptionalTime is parseTime for body fields that may be absent.
func parseOptionalTime(field string, value *string, endOfDay bool) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	t, err := parseTime(*value, endOfDay)
	if err != nil {
		return nil, core.NewValidationError("invalid " + field).WithDetail("reason", err.Error())
	}
	return &t, nil
}

// resolveAmount takes amountMinor when present, otherwise parses the decimal amount.
func resolveAmount(amountMinor *int64, amount, currency string) (int64, error) {
	if amountMinor != nil {
		return *amountMinor, nil
	}
	if strings.TrimSpace(amount) == "" {
		return 0, core.NewValidationError("amountMinor or amount is required")
	}
	minor, err := core.ParseDecimalToMinor(amount, currency)
	if err != nil {
		return 0, core.NewValidationError("invalid amount").WithDetail("amount", amount)
	}
	return minor, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

// actorFrom returns the X-Actor header, defaulting to "api".
func actorFrom(r *http.Request, fallback string) string {
	if actor := sanitizeInput(r.Header.Get(headerActor)); actor != "" {
		if len(actor) > 64 {
			actor = actor[:64]
		}
		return actor
	}
	return fallback
}

func approvalToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerApprovalToken))
}

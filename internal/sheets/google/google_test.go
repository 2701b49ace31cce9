package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	ports "rimborsi/internal/sheets"
)

func TestNewWithService_MissingSpreadsheetID(t *testing.T) {
	_, err := NewWithService(nil, "  ", "Rimborsi")
	require.Error(t, err)
	assert.Equal(t, "missing GOOGLE_SPREADSHEET_ID", err.Error())

	c, err := NewWithService(nil, "sheet-id", "")
	require.NoError(t, err)
	assert.Equal(t, "Rimborsi", c.reportSheet)
}

func TestNewSheetsService_MissingCredentials(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	_, err := newSheetsService(context.Background(), "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing service account credentials")

	_, err = newSheetsService(context.Background(), "", "/nonexistent/key.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read service account file")
}

func TestReportValues(t *testing.T) {
	generated := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := []ports.OutstandingRow{{
		Date: "2026-02-01", Description: "Cena", Category: "Cene", Currency: "EUR",
		Amount: "36.00", Recoverable: "24.00", Recovered: "10.00", WrittenOff: "0.00",
		Outstanding: "14.00", Status: "partial",
	}}

	values := reportValues(rows, generated)
	require.Len(t, values, 3)
	assert.Equal(t, []interface{}{"Generated at", "2026-03-01T08:00:00Z"}, values[0])
	assert.Equal(t, "Date", values[1][0])
	assert.Len(t, values[1], len(ports.ReportHeader))
	assert.Equal(t, rows[0].Values(), values[2])
}

func TestClient_WriteOutstandingReport(t *testing.T) {
	var (
		calls   []string
		written gsheet.ValueRange
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, ":clear"):
			_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-id","clearedRange":"Rimborsi!A1:J100"}`))
		case r.Method == http.MethodPut:
			assert.Equal(t, "RAW", r.URL.Query().Get("valueInputOption"))
			_ = json.NewDecoder(r.Body).Decode(&written)
			_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-id","updatedRange":"Rimborsi!A1:J3","updatedRows":3}`))
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	svc, err := gsheet.NewService(context.Background(),
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	client, err := NewWithService(svc, "sheet-id", "Rimborsi")
	require.NoError(t, err)

	ref, err := client.WriteOutstandingReport(context.Background(), []ports.OutstandingRow{{Date: "2026-02-01", Status: "expected"}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Rimborsi!A1:J3", ref)
	assert.Equal(t, []string{http.MethodPost, http.MethodPut}, calls)
	assert.Len(t, written.Values, 3)
}

func TestClient_WriteWithoutService(t *testing.T) {
	c := &Client{spreadsheetID: "sheet-id", reportSheet: "Rimborsi"}
	_, err := c.WriteOutstandingReport(context.Background(), nil, time.Now())
	assert.EqualError(t, err, "sheets service not initialized")
}

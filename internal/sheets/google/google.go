package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	ports "rimborsi/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// reportColumns is the last column written by the report (A..J).
const reportColumns = "J"

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	reportSheet   string
}

// Ensure interface conformance
var _ ports.ReportWriter = (*Client)(nil)

// Config selects the spreadsheet and the credentials. ServiceAccountJSON wins
// over ServiceAccountFile; GOOGLE_APPLICATION_CREDENTIALS is the last fallback.
type Config struct {
	SpreadsheetID      string
	ReportSheetName    string
	ServiceAccountJSON string
	ServiceAccountFile string
}

// New creates a Sheets client authenticated with a service account.
func New(ctx context.Context, cfg Config) (*Client, error) {
	svc, err := newSheetsService(ctx, cfg.ServiceAccountJSON, cfg.ServiceAccountFile)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, cfg.SpreadsheetID, cfg.ReportSheetName)
}

// NewWithService wraps an already configured service.
func NewWithService(svc *gsheet.Service, spreadsheetID, reportSheet string) (*Client, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	reportSheet = strings.TrimSpace(reportSheet)
	if reportSheet == "" {
		reportSheet = "Rimborsi"
	}
	return &Client{svc: svc, spreadsheetID: spreadsheetID, reportSheet: reportSheet}, nil
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
func newSheetsService(ctx context.Context, serviceAccountJSON, serviceAccountFile string) (*gsheet.Service, error) {
	serviceAccountJSON = strings.TrimSpace(serviceAccountJSON)
	serviceAccountFile = strings.TrimSpace(serviceAccountFile)

	// Also check the standard Google Cloud environment variable
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	switch {
	case serviceAccountJSON != "":
		slog.InfoContext(ctx, "Using inline JSON credentials")
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", serviceAccountFile)
		var err error
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

// reportValues lays out the report: a generated-at line, the header, then rows.
func reportValues(rows []ports.OutstandingRow, generatedAt time.Time) [][]interface{} {
	values := make([][]interface{}, 0, len(rows)+2)
	values = append(values, []interface{}{"Generated at", generatedAt.UTC().Format(time.RFC3339)})

	header := make([]interface{}, len(ports.ReportHeader))
	for i, h := range ports.ReportHeader {
		header[i] = h
	}
	values = append(values, header)

	for _, r := range rows {
		values = append(values, r.Values())
	}
	return values
}

// WriteOutstandingReport clears the report sheet and writes rows from A1.
func (c *Client) WriteOutstandingReport(ctx context.Context, rows []ports.OutstandingRow, generatedAt time.Time) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}

	clearRange := fmt.Sprintf("%s!A:%s", c.reportSheet, reportColumns)
	if _, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("clear report sheet: %w", err)
	}

	vr := &gsheet.ValueRange{Values: reportValues(rows, generatedAt)}
	resp, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, c.reportSheet+"!A1", vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	slog.InfoContext(ctx, "Wrote outstanding report",
		"spreadsheet_id", c.spreadsheetID,
		"range", resp.UpdatedRange,
		"rows", len(rows))
	return resp.UpdatedRange, nil
}

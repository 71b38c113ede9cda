package sheetsync

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

var sheetScopes = []string{
	sheets.SpreadsheetsScope,
	"https://www.googleapis.com/auth/drive.readonly",
}

// GoogleSheetConfig locates the spreadsheet and the service account key.
// Exactly one of KeyFile or KeyJSON must be set.
type GoogleSheetConfig struct {
	SheetID string
	TabName string
	KeyFile string
	KeyJSON string
}

// GoogleSheetAdapter reads and updates a single tab through the Sheets API.
type GoogleSheetAdapter struct {
	service   *sheets.Service
	sheetID   string
	tabName   string
	headerMap map[string]int // lowercased header -> 1-based column
}

// NewGoogleSheetAdapter authenticates with the service account key and
// binds to the configured tab.
func NewGoogleSheetAdapter(ctx context.Context, cfg GoogleSheetConfig) (*GoogleSheetAdapter, error) {
	if cfg.SheetID == "" || cfg.TabName == "" {
		return nil, fmt.Errorf("sheet id and tab name are required")
	}

	keyData, err := loadKeyData(cfg)
	if err != nil {
		return nil, err
	}
	jwtCfg, err := google.JWTConfigFromJSON(keyData, sheetScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}

	service, err := sheets.NewService(ctx, option.WithHTTPClient(jwtCfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &GoogleSheetAdapter{service: service, sheetID: cfg.SheetID, tabName: cfg.TabName}, nil
}

func loadKeyData(cfg GoogleSheetConfig) ([]byte, error) {
	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read service account key file: %w", err)
		}
		return data, nil
	}
	if cfg.KeyJSON != "" {
		return []byte(cfg.KeyJSON), nil
	}
	return nil, fmt.Errorf("no service account key configured")
}

// FetchRows reads the whole tab. The first row is the header; data rows are
// keyed by lowercased header names and numbered from 2 like the sheet UI.
func (a *GoogleSheetAdapter) FetchRows(ctx context.Context) ([]Row, error) {
	resp, err := a.service.Spreadsheets.Values.Get(a.sheetID, a.tabName).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetch sheet values: %w", err)
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}

	headers := make([]string, len(resp.Values[0]))
	a.headerMap = make(map[string]int, len(headers))
	for idx, cell := range resp.Values[0] {
		header := normalizeHeader(cellString(cell))
		headers[idx] = header
		a.headerMap[header] = idx + 1
	}

	rows := make([]Row, 0, len(resp.Values)-1)
	for rowIdx, raw := range resp.Values[1:] {
		values := make(map[string]string, len(headers))
		for colIdx, header := range headers {
			if colIdx < len(raw) {
				values[header] = strings.TrimSpace(cellString(raw[colIdx]))
			} else {
				values[header] = ""
			}
		}
		rows = append(rows, Row{Index: rowIdx + 2, Values: values})
	}
	return rows, nil
}

// UpdateRows writes the status block of each updated row in one batch. The
// status columns must be present and contiguous in the header.
func (a *GoogleSheetAdapter) UpdateRows(ctx context.Context, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if a.headerMap == nil {
		return fmt.Errorf("fetch rows before updating")
	}

	var missing []string
	for _, col := range StatusColumns {
		if _, ok := a.headerMap[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("sheet is missing status columns: %s", strings.Join(missing, ", "))
	}

	startCol := a.headerMap[StatusColumns[0]]
	endCol := a.headerMap[StatusColumns[len(StatusColumns)-1]]

	data := make([]*sheets.ValueRange, 0, len(updates))
	for _, update := range updates {
		first, last := "", ""
		if update.FirstScheduled != nil {
			first = update.FirstScheduled.Format("2006-01-02T15:04:05Z07:00")
		}
		if update.LastScheduled != nil {
			last = update.LastScheduled.Format("2006-01-02T15:04:05Z07:00")
		}
		values := []any{
			update.Status,
			strconv.Itoa(update.GeneratedCount),
			strconv.Itoa(update.InsertedCount),
			strconv.Itoa(update.DuplicateCount),
			first,
			last,
			update.LastError,
		}
		rangeA1 := fmt.Sprintf("%s!%s%d:%s%d",
			a.tabName, columnLetter(startCol), update.RowIndex, columnLetter(endCol), update.RowIndex)
		data = append(data, &sheets.ValueRange{Range: rangeA1, Values: [][]any{values}})
	}

	_, err := a.service.Spreadsheets.Values.BatchUpdate(a.sheetID, &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("batch update sheet: %w", err)
	}
	return nil
}

func normalizeHeader(header string) string {
	return strings.ToLower(strings.TrimSpace(header))
}

func cellString(cell any) string {
	if s, ok := cell.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", cell)
}

// columnLetter converts a 1-based column index to its A1 letter form.
func columnLetter(index int) string {
	result := ""
	for index > 0 {
		index--
		result = string(rune('A'+index%26)) + result
		index /= 26
	}
	return result
}

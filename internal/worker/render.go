package worker

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/livepoll/backend/internal/models"
)

const (
	sheetResults = "Results"
	sheetPoll    = "Poll"
)

var resultHeader = []string{"position", "option", "votes", "percentage"}

func resultRows(res *models.PollResult) [][]string {
	rows := make([][]string, 0, len(res.Options)+1)
	for _, o := range res.Options {
		rows = append(rows, []string{
			strconv.Itoa(o.Position + 1),
			o.Text,
			strconv.FormatInt(o.Votes, 10),
			strconv.FormatFloat(o.Percentage, 'f', 2, 64),
		})
	}
	return rows
}

// RenderCSV writes one row per option followed by a total row.
func RenderCSV(res *models.PollResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(resultHeader); err != nil {
		return nil, err
	}
	if err := w.WriteAll(resultRows(res)); err != nil {
		return nil, err
	}
	if err := w.Write([]string{"", "total", strconv.FormatInt(res.TotalVotes, 10), ""}); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderXLSX builds a workbook with a results sheet and a poll details sheet.
func RenderXLSX(res *models.PollResult) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetResults); err != nil {
		return nil, err
	}
	header := make([]interface{}, len(resultHeader))
	for i, h := range resultHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetResults, "A1", &header); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetResults, "A1", "D1", bold); err != nil {
		return nil, err
	}

	row := 2
	for _, o := range res.Options {
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []interface{}{o.Position + 1, o.Text, o.Votes, o.Percentage}
		if err := f.SetSheetRow(sheetResults, cell, &values); err != nil {
			return nil, err
		}
		row++
	}
	cell, _ := excelize.CoordinatesToCellName(2, row)
	total := []interface{}{"total", res.TotalVotes}
	if err := f.SetSheetRow(sheetResults, cell, &total); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetResults, cell, cell, bold); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(sheetPoll); err != nil {
		return nil, err
	}
	details := [][]interface{}{
		{"id", res.ID.String()},
		{"title", res.Title},
		{"active", res.IsActive},
		{"starts", res.StartDate.UTC().Format(time.RFC3339)},
		{"ends", formatEnd(res.EndDate)},
		{"exported", time.Now().UTC().Format(time.RFC3339)},
	}
	for i, d := range details {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheetPoll, cell, &d); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func formatEnd(end *time.Time) string {
	if end == nil {
		return ""
	}
	return end.UTC().Format(time.RFC3339)
}

// Render dispatches on the export format.
func Render(format string, res *models.PollResult) ([]byte, error) {
	switch format {
	case models.ExportFormatCSV:
		return RenderCSV(res)
	case models.ExportFormatXLSX:
		return RenderXLSX(res)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

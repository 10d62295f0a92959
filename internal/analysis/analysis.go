package analysis

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/stat"
)

// Required dataset columns. wind_speed is validated and cleaned like the
// others even though only temperature and humidity feed the regression.
var requiredColumns = []string{"date", "mean_temp_C", "wind_speed", "humidity"}

const downsampleThreshold = 1000

// Result is the analysis output persisted for a job.
type Result struct {
	Status             string      `json:"status"`
	ReportSummary      string      `json:"report_summary"`
	RegressionAnalysis Regression  `json:"regression_analysis"`
	NumRecords         int         `json:"num_records"`
	TimeSeriesData     []TimePoint `json:"time_series_data"`
}

type Regression struct {
	TempHumidityR2 string `json:"temp_humidity_r2"`
}

type TimePoint struct {
	Date      string  `json:"date"`
	MeanTempC float64 `json:"mean_temp_C"`
}

type record struct {
	date     time.Time
	temp     float64
	wind     float64
	humidity float64
}

// Analyze parses a weather dataset (CSV or XLSX, sniffed from content) and
// computes the report: record count, date range, average temperature, and
// the R² of mean temperature regressed on humidity.
func Analyze(ctx context.Context, content []byte) (*Result, error) {
	rows, err := parseTable(content)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("dataset has no header row")
	}

	cols, err := columnIndex(rows[0])
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := cleanRows(rows[1:], cols)
	if len(records) == 0 {
		return nil, errors.New("dataset empty after cleaning")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r2 := regressionR2(records)
	series := timeSeries(records)

	minDate, maxDate := records[0].date, records[0].date
	var tempSum float64
	for _, r := range records {
		if r.date.Before(minDate) {
			minDate = r.date
		}
		if r.date.After(maxDate) {
			maxDate = r.date
		}
		tempSum += r.temp
	}
	avgTemp := tempSum / float64(len(records))

	summary := fmt.Sprintf(
		"This report covers %d records from %s to %s. The overall average temperature is %.2f°C. ",
		len(records), minDate.Format("2006-01-02"), maxDate.Format("2006-01-02"), avgTemp,
	)

	return &Result{
		Status:             "SUCCESS",
		ReportSummary:      summary,
		RegressionAnalysis: Regression{TempHumidityR2: r2},
		NumRecords:         len(records),
		TimeSeriesData:     series,
	}, nil
}

// parseTable sniffs the format from content: OOXML spreadsheets start with a
// zip signature, everything else is treated as CSV.
func parseTable(content []byte) ([][]string, error) {
	if bytes.HasPrefix(content, []byte("PK\x03\x04")) {
		return parseXLSX(content)
	}
	return parseCSV(content)
}

func parseCSV(content []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseXLSX(content []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("spreadsheet has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}

	var missing []string
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	time.RFC3339,
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// cleanRows drops any row with a missing or unparseable value, mirroring the
// dropna/to_numeric pass of the reference pipeline.
func cleanRows(rows [][]string, cols map[string]int) []record {
	var out []record
	for _, row := range rows {
		cell := func(name string) (string, bool) {
			i := cols[name]
			if i >= len(row) {
				return "", false
			}
			v := strings.TrimSpace(row[i])
			return v, v != ""
		}

		ds, ok := cell("date")
		if !ok {
			continue
		}
		date, ok := parseDate(ds)
		if !ok {
			continue
		}

		var vals [3]float64
		bad := false
		for i, name := range []string{"mean_temp_C", "wind_speed", "humidity"} {
			s, ok := cell(name)
			if !ok {
				bad = true
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				bad = true
				break
			}
			vals[i] = v
		}
		if bad {
			continue
		}

		out = append(out, record{date: date, temp: vals[0], wind: vals[1], humidity: vals[2]})
	}
	return out
}

// regressionR2 returns the R² of mean_temp_C regressed on humidity,
// formatted to four decimals, or "N/A" when there are not enough points.
func regressionR2(records []record) string {
	if len(records) < 2 {
		return "N/A"
	}

	xs := make([]float64, len(records))
	ys := make([]float64, len(records))
	for i, r := range records {
		xs[i] = r.humidity
		ys[i] = r.temp
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	estimates := make([]float64, len(xs))
	for i, x := range xs {
		estimates[i] = alpha + beta*x
	}
	return fmt.Sprintf("%.4f", stat.RSquaredFrom(estimates, ys, nil))
}

func timeSeries(records []record) []TimePoint {
	step := 1
	if len(records) > downsampleThreshold {
		step = 3
	}

	var series []TimePoint
	for i := 0; i < len(records); i += step {
		series = append(series, TimePoint{
			Date:      records[i].date.Format("2006-01-02"),
			MeanTempC: records[i].temp,
		})
	}
	return series
}

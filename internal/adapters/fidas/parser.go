package fidas

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// rowTimeLayout matches the date + time columns of the Fidas text export,
// e.g. "11/26/2025 09:45:12 AM".
const rowTimeLayout = "01/02/2006 03:04:05 PM"

var requiredColumns = []string{"date", "time", "PM1", "PM2.5", "PM10", "rH", "T", "p"}

var metricColumns = []string{"PM1", "PM2.5", "PM10", "rH", "T", "p"}

type row struct {
	ts     time.Time
	values map[string]float64
}

type parseResult struct {
	rows    []row
	skipped int
}

// parseExport reads a tab-separated Fidas export. Rows at or before the
// `after` cutoff are dropped; rows that fail to parse are counted as skipped
// rather than aborting the file. A missing required column fails the whole
// file.
func parseExport(r io.Reader, loc *time.Location, after time.Time) (parseResult, error) {
	var res parseResult

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return res, err
		}
		return res, nil // empty file
	}

	header := strings.Split(sc.Text(), "\t")
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return res, fmt.Errorf("missing required column %q", name)
		}
	}

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")

		ts, err := rowTimestamp(fields, col, loc)
		if err != nil {
			res.skipped++
			continue
		}
		if !after.IsZero() && !ts.After(after) {
			continue
		}

		values := make(map[string]float64, len(metricColumns))
		for _, name := range metricColumns {
			raw := cell(fields, col[name])
			if raw == "" {
				continue // instrument reported no value; omitted downstream
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			values[name] = v
		}

		res.rows = append(res.rows, row{ts: ts, values: values})
	}
	if err := sc.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func rowTimestamp(fields []string, col map[string]int, loc *time.Location) (time.Time, error) {
	date := cell(fields, col["date"])
	clock := cell(fields, col["time"])
	if date == "" || clock == "" {
		return time.Time{}, fmt.Errorf("missing date/time cells")
	}
	return time.ParseInLocation(rowTimeLayout, date+" "+clock, loc)
}

func cell(fields []string, idx int) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[idx])
}

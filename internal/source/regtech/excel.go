package regtech

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"github.com/regintel/blacklist/internal/errors"
	"github.com/regintel/blacklist/internal/models"
)

// Column alias sets, ordered: exact names first, wildcards last. The
// portal has renamed headers across exports before, so matching is
// case-insensitive and fuzzy rather than positional.
var headerAliases = []struct {
	field    string
	patterns []string
}{
	{"ip", []string{"ip", "ip주소", "아이피", "addr", "address", "*ip*"}},
	{"country", []string{"country", "국가", "국가명", "nation", "*country*"}},
	{"reason", []string{"reason", "사유", "공격유형", "유형", "attack type", "*attack*", "*reason*"}},
	{"category", []string{"category", "분류", "카테고리", "*category*"}},
	{"detection", []string{"detection date", "등록일", "탐지일", "등록일자", "reg date", "*detect*", "*등록*"}},
	{"removal", []string{"removal date", "해제일", "만료일", "해제일자", "*removal*", "*expire*", "*해제*"}},
	{"confidence", []string{"confidence", "신뢰도", "*confidence*"}},
}

// parseExcel reads the first worksheet and maps columns by fuzzy header
// match. Only the IP column is mandatory; everything else defaults in
// the normalizer.
func parseExcel(artifact []byte) ([]models.RawRow, error) {
	const op = "regtech_parse"

	f, err := excelize.OpenReader(bytes.NewReader(artifact))
	if err != nil {
		return nil, errors.Integrity(op, fmt.Errorf("open workbook: %w", err))
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.Integrity(op, fmt.Errorf("workbook has no sheets"))
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, errors.Integrity(op, fmt.Errorf("read sheet %q: %w", sheets[0], err))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	headerIdx, columns := findHeader(rows)
	if columns == nil {
		return nil, errors.Integrity(op, fmt.Errorf(
			"no recognizable header row; first row: %v", truncateCells(rows[0])))
	}

	var out []models.RawRow
	for _, row := range rows[headerIdx+1:] {
		raw := mapRow(row, rows[headerIdx], columns)
		if raw.IP == "" {
			continue
		}
		out = append(out, raw)
	}

	log.Debug().Int("rows", len(out)).Str("sheet", sheets[0]).Msg("Excel parsed")
	return out, nil
}

// findHeader scans the first few rows for one that maps an IP column.
// Exports sometimes carry a title banner above the real header.
func findHeader(rows [][]string) (int, map[string]int) {
	limit := len(rows)
	if limit > 5 {
		limit = 5
	}
	for i := 0; i < limit; i++ {
		columns := matchColumns(rows[i])
		if _, ok := columns["ip"]; ok {
			return i, columns
		}
	}
	return 0, nil
}

// matchColumns assigns each field its column index. First alias match
// wins, and a column feeds at most one field.
func matchColumns(header []string) map[string]int {
	columns := make(map[string]int)
	claimed := make(map[int]bool)

	for _, alias := range headerAliases {
		for _, pattern := range alias.patterns {
			for idx, cell := range header {
				if claimed[idx] {
					continue
				}
				if wildcard.Match(pattern, normalizeHeader(cell)) {
					columns[alias.field] = idx
					claimed[idx] = true
					break
				}
			}
			if _, ok := columns[alias.field]; ok {
				break
			}
		}
	}
	return columns
}

func normalizeHeader(cell string) string {
	return strings.ToLower(strings.TrimSpace(cell))
}

func mapRow(row, header []string, columns map[string]int) models.RawRow {
	cell := func(field string) string {
		idx, ok := columns[field]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	raw := models.RawRow{
		IP:            cell("ip"),
		Country:       cell("country"),
		Reason:        cell("reason"),
		Category:      cell("category"),
		DetectionDate: cell("detection"),
		RemovalDate:   cell("removal"),
	}
	if v := cell("confidence"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			raw.Confidence = n
		}
	}

	// Keep the whole original row for provenance.
	fields := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(row) && row[i] != "" {
			key := strings.TrimSpace(name)
			if key == "" {
				key = fmt.Sprintf("col_%d", i)
			}
			fields[key] = row[i]
		}
	}
	if len(fields) > 0 {
		raw.Fields = fields
	}
	return raw
}

func truncateCells(cells []string) []string {
	if len(cells) > 8 {
		cells = cells[:8]
	}
	out := make([]string, len(cells))
	for i, c := range cells {
		if len(c) > 40 {
			c = c[:40] + "…"
		}
		out[i] = c
	}
	return out
}

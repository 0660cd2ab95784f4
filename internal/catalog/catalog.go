// Package catalog turns imported CSV prize definitions into a validated,
// deterministically-numbered catalog. Name-to-id mapping is exact on the
// normalized name; ambiguous or unknown rows fail the whole import instead
// of being guessed at.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"prize-wheel-api/internal/models"
)

// Row is one parsed CSV line before id assignment.
type Row struct {
	Name           string
	Tier           models.Tier
	DisplayWeight  float64
	Quantity       int
	DailyLimit     int
	AvailableDates string
}

// normalizeName collapses case and interior whitespace so that "Gift  A" and
// "gift a" refer to the same prize.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// normalizeTier accepts the spellings the import files use ("Ultra Rare",
// "ultra_rare", "ULTRA-RARE") and maps them onto the tier enum.
func normalizeTier(raw string) (models.Tier, error) {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.ReplaceAll(t, " ", "_")
	t = strings.ReplaceAll(t, "-", "_")
	tier := models.Tier(t)
	if !tier.Valid() {
		return "", fmt.Errorf("unknown tier %q", raw)
	}
	return tier, nil
}

// Parse reads CSV rows of the form
//
//	name,tier,weight,quantity,daily_limit,available_dates
//
// A header line starting with "name" is skipped. daily_limit accepts either
// a plain number or the legacy "N/day" form.
func Parse(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows []Row
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line+1, err)
		}
		line++

		if line == 1 && len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "name") {
			continue
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) < 6 {
			return nil, fmt.Errorf("line %d: expected 6 fields, got %d", line, len(record))
		}

		name := strings.TrimSpace(record[0])
		if name == "" {
			return nil, fmt.Errorf("line %d: name is required", line)
		}

		tier, err := normalizeTier(record[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		weight, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil || weight <= 0 {
			return nil, fmt.Errorf("line %d: weight must be a positive number", line)
		}

		quantity, err := strconv.Atoi(strings.TrimSpace(record[3]))
		if err != nil || quantity < 0 {
			return nil, fmt.Errorf("line %d: quantity must be a non-negative integer", line)
		}

		limit, err := parseDailyLimit(record[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		dates := strings.TrimSpace(record[5])
		if dates == "" {
			dates = "*"
		}

		rows = append(rows, Row{
			Name:           name,
			Tier:           tier,
			DisplayWeight:  weight,
			Quantity:       quantity,
			DailyLimit:     limit,
			AvailableDates: dates,
		})
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("no prize rows found")
	}

	return rows, nil
}

// parseDailyLimit accepts "3" or "3/day".
func parseDailyLimit(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	limit, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("daily limit must be a positive integer, got %q", raw)
	}
	return limit, nil
}

// Build assigns ids: rows whose normalized name exactly matches an existing
// prize keep that prize's id, new names get the next dense ids in file
// order. Duplicate normalized names, within the file or in the existing
// catalog, reject the import.
func Build(existing []models.Prize, rows []Row) ([]models.Prize, error) {
	byName := make(map[string]int, len(existing))
	maxID := 0
	for _, p := range existing {
		key := normalizeName(p.Name)
		if _, dup := byName[key]; dup {
			return nil, fmt.Errorf("existing catalog is ambiguous: duplicate name %q", p.Name)
		}
		byName[key] = p.ID
		if p.ID > maxID {
			maxID = p.ID
		}
	}

	seen := make(map[string]bool, len(rows))
	prizes := make([]models.Prize, 0, len(rows))
	for i, row := range rows {
		key := normalizeName(row.Name)
		if seen[key] {
			return nil, fmt.Errorf("row %d: duplicate prize name %q", i+1, row.Name)
		}
		seen[key] = true

		id, ok := byName[key]
		if !ok {
			maxID++
			id = maxID
		}

		prizes = append(prizes, models.Prize{
			ID:             id,
			Name:           row.Name,
			Tier:           row.Tier,
			DisplayWeight:  row.DisplayWeight,
			Active:         true,
			AvailableDates: row.AvailableDates,
			Quantity:       row.Quantity,
			DailyLimit:     row.DailyLimit,
		})
	}

	return prizes, nil
}

// Package contacts reads recipient lists uploaded by the operator.
//
// Each row contributes its first non-empty cell. A leading row with no digits
// in it is treated as a header and ignored.
package contacts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
	"github.com/ttacon/libphonenumber"
	"github.com/xuri/excelize/v2"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Result is the outcome of parsing one upload. Numbers are E.164 strings in
// source order with duplicates removed.
type Result struct {
	Numbers    []string `json:"numbers"`
	Rejected   int      `json:"rejected"`
	Duplicates int      `json:"duplicates"`
}

type Parser struct {
	region      string
	countryCode string
}

func NewParser(region string) (*Parser, error) {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		return nil, fmt.Errorf("%w: default region is required", domain.ErrValidation)
	}

	code := libphonenumber.GetCountryCodeForRegion(region)
	if code == 0 {
		return nil, fmt.Errorf("%w: unknown region %q", domain.ErrValidation, region)
	}

	return &Parser{region: region, countryCode: strconv.Itoa(code)}, nil
}

func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: unsupported contacts file %q", domain.ErrValidation, name)
	}
}

func (p *Parser) Parse(r io.Reader, format Format) (Result, error) {
	var (
		cells []string
		err   error
	)

	switch format {
	case FormatCSV:
		cells, err = firstCellsCSV(r)
	case FormatXLSX:
		cells, err = firstCellsXLSX(r)
	default:
		return Result{}, fmt.Errorf("%w: unsupported contacts format %q", domain.ErrValidation, format)
	}
	if err != nil {
		return Result{}, err
	}

	if len(cells) > 0 && domain.NormalizeRecipient(cells[0]) == "" {
		cells = cells[1:]
	}

	result := Result{Numbers: make([]string, 0, len(cells))}
	seen := make(map[string]struct{}, len(cells))
	for _, cell := range cells {
		number, ok := p.Normalize(cell)
		if !ok {
			result.Rejected++
			continue
		}
		if _, dup := seen[number]; dup {
			result.Duplicates++
			continue
		}
		seen[number] = struct{}{}
		result.Numbers = append(result.Numbers, number)
	}

	if len(result.Numbers) == 0 {
		return result, fmt.Errorf("%w: contacts file has no usable numbers", domain.ErrValidation)
	}
	return result, nil
}

// Normalize converts a raw cell into E.164 form. Numbers libphonenumber
// recognizes for the default region are formatted by it; anything else keeps
// its digits and gets the region's country code prefixed when missing.
func (p *Parser) Normalize(raw string) (string, bool) {
	digits := domain.NormalizeRecipient(raw)
	if digits == "" {
		return "", false
	}

	candidates := []string{strings.TrimSpace(raw)}
	if strings.HasPrefix(digits, p.countryCode) {
		candidates = append(candidates, "+"+digits)
	}
	for _, candidate := range candidates {
		if num, err := libphonenumber.Parse(candidate, p.region); err == nil && libphonenumber.IsValidNumber(num) {
			return libphonenumber.Format(num, libphonenumber.E164), true
		}
	}

	if !strings.HasPrefix(digits, p.countryCode) {
		digits = p.countryCode + digits
	}
	return "+" + digits, true
}

func firstCellsCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var cells []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return cells, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: invalid csv: %v", domain.ErrValidation, err)
		}
		if cell, ok := firstNonEmpty(record); ok {
			cells = append(cells, cell)
		}
	}
}

func firstCellsXLSX(r io.Reader) ([]string, error) {
	workbook, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid xlsx: %v", domain.ErrValidation, err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: xlsx has no sheets", domain.ErrValidation)
	}

	rows, err := workbook.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}

	cells := make([]string, 0, len(rows))
	for _, row := range rows {
		if cell, ok := firstNonEmpty(row); ok {
			cells = append(cells, cell)
		}
	}
	return cells, nil
}

func firstNonEmpty(values []string) (string, bool) {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}

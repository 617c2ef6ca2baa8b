// Package importer loads complaints from 311 CSV exports through the engine,
// so every imported row gets the same ledger entries and pipeline dispatch as
// API intake.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cityline/internal/domain"
	"cityline/internal/engine"
)

// Result summarizes one import run.
type Result struct {
	Imported int
	Skipped  int
	Errors   []string
}

// Importer reads CSV rows into complaints.
type Importer struct {
	Engine engine.Engine
	Log    *slog.Logger
	// Limit stops after N rows when positive.
	Limit int
}

// Expected CSV header names, matched case-insensitively. Unknown columns are
// ignored so exports with extra fields import cleanly.
const (
	colNumber      = "complaint_number"
	colType        = "type"
	colDescription = "description"
	colBorough     = "borough"
	colAgency      = "agency"
	colAddress     = "address"
	colPriority    = "priority"
	colSubmittedAt = "submitted_at"
	colDueAt       = "due_at"
)

// Run reads r to EOF, creating a complaint per row. Rows that fail validation
// or collide on complaint number are counted and reported, not fatal.
func (im *Importer) Run(ctx context.Context, r io.Reader, actor string) (Result, error) {
	log := im.Log
	if log == nil {
		log = slog.Default()
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return Result{}, fmt.Errorf("read csv header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols[colType]; !ok {
		return Result{}, fmt.Errorf("csv missing required column %q", colType)
	}

	var res Result
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		in := engine.CreateComplaintInput{
			ComplaintNumber: field(colNumber),
			Type:            field(colType),
			Description:     field(colDescription),
			Borough:         field(colBorough),
			Agency:          field(colAgency),
			Address:         field(colAddress),
			Priority:        domain.Priority(strings.ToLower(field(colPriority))),
			SubmittedAt:     field(colSubmittedAt),
			DueAt:           field(colDueAt),
		}
		if _, err := im.Engine.CreateComplaint(ctx, in, actor); err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		res.Imported++
		if im.Limit > 0 && res.Imported >= im.Limit {
			log.Info("import limit reached", "limit", im.Limit)
			break
		}
	}
	log.Info("import finished", "imported", res.Imported, "skipped", res.Skipped)
	return res, nil
}

package ingest

// parser.go turns delimited text into validated Records.
//
// Every data row is judged on its own: a row without a usable id or value
// is reported as a RejectedRow and parsing carries on with the next line.
// Nothing in this file can fail a whole file.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"
)

// ParseResult holds the outcome of parsing one file.
type ParseResult struct {
	Records  []Record
	Lines    []int // Source line of each entry in Records
	Rejected []RejectedRow
}

// Parse collects ParseSeq into a ParseResult.
func Parse(content []byte) ParseResult {
	var res ParseResult
	for row := range ParseSeq(content) {
		if row.Rejected != nil {
			res.Rejected = append(res.Rejected, *row.Rejected)
			continue
		}
		res.Records = append(res.Records, row.Record)
		res.Lines = append(res.Lines, row.Line)
	}
	return res
}

// ParsedRow is one data row: a valid Record, or a rejection when Rejected
// is non-nil.
type ParsedRow struct {
	Line     int
	Record   Record
	Rejected *RejectedRow
}

// ParseSeq lazily yields one ParsedRow per data row. The first non-blank
// line is the header. Blank lines are skipped; a line made only of
// delimiters or whitespace is a data row and gets rejected. Empty and
// header-only content yields nothing.
func ParseSeq(content []byte) iter.Seq[ParsedRow] {
	return func(yield func(ParsedRow) bool) {
		r := csv.NewReader(bytes.NewReader(normalizeContent(content)))
		r.FieldsPerRecord = -1
		r.LazyQuotes = true

		var header HeaderIndex
		for {
			row, err := r.Read()
			if err == io.EOF {
				return
			}

			if err != nil {
				var perr *csv.ParseError
				if !errors.As(err, &perr) {
					yield(ParsedRow{Rejected: &RejectedRow{Reason: fmt.Sprintf("read: %v", err)}})
					return
				}
				rej := &RejectedRow{LineNumber: perr.StartLine, Reason: fmt.Sprintf("malformed row: %v", perr.Err)}
				if header == nil {
					// Without a header nothing after it can be interpreted.
					rej.Reason = fmt.Sprintf("unreadable header: %v", perr.Err)
					yield(ParsedRow{Line: rej.LineNumber, Rejected: rej})
					return
				}
				if !yield(ParsedRow{Line: rej.LineNumber, Rejected: rej}) {
					return
				}
				continue
			}

			if header == nil {
				if isEmptyRow(row) {
					continue
				}
				header = MakeHeaderIndex(row)
				continue
			}

			line, _ := r.FieldPos(0)
			rec, reason := buildRecord(row, header)
			if reason != "" {
				if !yield(ParsedRow{Line: line, Rejected: &RejectedRow{LineNumber: line, Reason: reason, Data: row}}) {
					return
				}
				continue
			}
			if !yield(ParsedRow{Line: line, Record: rec}) {
				return
			}
		}
	}
}

// buildRecord validates a data row. It returns a non-empty reason when the
// row must be rejected.
func buildRecord(row []string, header HeaderIndex) (Record, string) {
	id, reason := requiredInt(row, header, ColumnID)
	if reason != "" {
		return Record{}, reason
	}
	value, reason := requiredInt(row, header, ColumnValue)
	if reason != "" {
		return Record{}, reason
	}

	name, _ := header.Cell(row, ColumnName)
	return Record{ID: id, Name: ToPgText(name), Value: value}, ""
}

func requiredInt(row []string, header HeaderIndex, column string) (int64, string) {
	if _, ok := header[column]; !ok {
		return 0, fmt.Sprintf("missing required column %q", column)
	}
	// Integers are taken as written; spreadsheet cleanup would turn ="9" into 9.
	pos := header[column]
	if pos >= len(row) {
		return 0, fmt.Sprintf("missing required field %q", column)
	}
	raw := strings.TrimSpace(row[pos])
	if raw == "" {
		return 0, fmt.Sprintf("empty required field %q", column)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Sprintf("invalid integer for %q: %q", column, raw)
	}
	return n, ""
}

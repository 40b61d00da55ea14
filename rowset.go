package ember

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Statistics carries the server-side execution statistics of one statement
type Statistics struct {
	Elapsed             float64 `json:"elapsed"`
	RowsRead            int64   `json:"rows_read"`
	BytesRead           int64   `json:"bytes_read"`
	TimeBeforeExecution float64 `json:"time_before_execution"`
	TimeToExecute       float64 `json:"time_to_execute"`
	ScannedBytesCache   *int64  `json:"scanned_bytes_cache,omitempty"`
	ScannedBytesStorage *int64  `json:"scanned_bytes_storage,omitempty"`
}

// rowSet is the decoded result of exactly one executed statement. A rowcount
// of -1 with nil columns marks a DDL/DML statement with no row data.
type rowSet struct {
	rowCount   int64
	columns    []Column
	statistics *Statistics
	rows       [][]Value
}

// ddlRowSet is the sentinel for statements that produce no row data
func ddlRowSet() rowSet {
	return rowSet{rowCount: -1}
}

// queryResponseEnvelope mirrors the wire JSON envelope of a query response
type queryResponseEnvelope struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data       [][]interface{} `json:"data"`
	Rows       *int64          `json:"rows"`
	Statistics *Statistics     `json:"statistics"`
}

// asyncResponseEnvelope mirrors the wire JSON envelope of an async submission
type asyncResponseEnvelope struct {
	QueryID *string `json:"query_id"`
}

// rowSetFromResponse decodes a query response body into a rowSet. A body
// without a column schema decodes to the DDL/DML sentinel.
func rowSetFromResponse(body []byte, opts typeOptions) (rowSet, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return ddlRowSet(), nil
	}

	var envelope queryResponseEnvelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return rowSet{}, NewErrorWithCause(ErrorTypeDecode, "failed to parse query response", err)
	}

	if len(envelope.Meta) == 0 {
		return ddlRowSet(), nil
	}

	columns := make([]Column, len(envelope.Meta))
	coercers := make([]*colType, len(envelope.Meta))
	for i, meta := range envelope.Meta {
		col, coercer, err := columnFromMeta(meta.Name, meta.Type)
		if err != nil {
			return rowSet{}, err
		}
		columns[i] = col
		coercers[i] = coercer
	}

	rows := make([][]Value, len(envelope.Data))
	for i, rawRow := range envelope.Data {
		if len(rawRow) != len(columns) {
			return rowSet{}, NewError(ErrorTypeDecode, fmt.Sprintf(
				"row %d has %d values, %d columns expected", i, len(rawRow), len(columns)))
		}
		row := make([]Value, len(rawRow))
		for j, raw := range rawRow {
			value, err := parseValue(raw, coercers[j], opts)
			if err != nil {
				return rowSet{}, NewErrorWithCause(ErrorTypeDecode, fmt.Sprintf(
					"failed to decode column %q in row %d", columns[j].Name, i), err)
			}
			row[j] = value
		}
		rows[i] = row
	}

	rowCount := int64(len(rows))
	if envelope.Rows != nil {
		rowCount = *envelope.Rows
	}

	return rowSet{
		rowCount:   rowCount,
		columns:    columns,
		statistics: envelope.Statistics,
		rows:       rows,
	}, nil
}

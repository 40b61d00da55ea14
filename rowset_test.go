package ember

import (
	"errors"
	"strings"
	"testing"
)

func TestRowSetFromResponseSelect(t *testing.T) {
	body := []byte(`{
		"meta": [
			{"name": "id", "type": "int"},
			{"name": "name", "type": "text null"}
		],
		"data": [
			[1, "one"],
			[2, null]
		],
		"rows": 2,
		"statistics": {
			"elapsed": 0.1,
			"rows_read": 2,
			"bytes_read": 128,
			"time_before_execution": 0.01,
			"time_to_execute": 0.09
		}
	}`)

	set, err := rowSetFromResponse(body, typeOptions{})
	if err != nil {
		t.Fatalf("rowSetFromResponse returned error: %v", err)
	}
	if set.rowCount != 2 {
		t.Errorf("Expected row count 2, got %d", set.rowCount)
	}
	if len(set.columns) != 2 {
		t.Fatalf("Expected 2 columns, got %d", len(set.columns))
	}
	if set.columns[0].Name != "id" || set.columns[1].Name != "name" {
		t.Errorf("Column names mismatch: %+v", set.columns)
	}
	if !set.columns[1].NullOK {
		t.Error("Second column should be nullable")
	}
	if set.rows[0][0] != int64(1) || set.rows[0][1] != "one" {
		t.Errorf("First row mismatch: %+v", set.rows[0])
	}
	if set.rows[1][1] != nil {
		t.Errorf("Expected nil in second row, got %v", set.rows[1][1])
	}
	if set.statistics == nil || set.statistics.RowsRead != 2 {
		t.Errorf("Statistics mismatch: %+v", set.statistics)
	}
}

func TestRowSetFromResponseDDL(t *testing.T) {
	for _, body := range []string{"", "   ", "{}", `{"statistics": {"elapsed": 0.1}}`} {
		set, err := rowSetFromResponse([]byte(body), typeOptions{})
		if err != nil {
			t.Fatalf("rowSetFromResponse(%q) returned error: %v", body, err)
		}
		if set.rowCount != -1 {
			t.Errorf("DDL response %q should have row count -1, got %d", body, set.rowCount)
		}
		if set.columns != nil {
			t.Errorf("DDL response %q should have nil columns, got %+v", body, set.columns)
		}
	}
}

func TestRowSetFromResponseMalformedJSON(t *testing.T) {
	if _, err := rowSetFromResponse([]byte("{not json"), typeOptions{}); !IsDecodeError(err) {
		t.Errorf("Expected a decode error for malformed JSON, got %v", err)
	}
}

func TestRowSetFromResponseRowWidthMismatch(t *testing.T) {
	body := []byte(`{"meta": [{"name": "id", "type": "int"}], "data": [[1, 2]]}`)
	if _, err := rowSetFromResponse(body, typeOptions{}); !IsDecodeError(err) {
		t.Errorf("Expected a decode error for row width mismatch, got %v", err)
	}
}

func TestRowSetFromResponseBadCellNamesColumn(t *testing.T) {
	body := []byte(`{"meta": [{"name": "flag", "type": "boolean"}], "data": [["nope"]]}`)
	_, err := rowSetFromResponse(body, typeOptions{})
	if !IsDecodeError(err) {
		t.Fatalf("Expected a decode error for a bad cell, got %v", err)
	}
	var emberErr *Error
	if !errors.As(err, &emberErr) {
		t.Fatalf("Expected an *Error, got %T", err)
	}
	if want := `column "flag"`; !strings.Contains(emberErr.Message, want) {
		t.Errorf("Error should name the failing column, got %q", emberErr.Message)
	}
}

func TestRowSetFromResponseLargeIntsKeepPrecision(t *testing.T) {
	body := []byte(`{"meta": [{"name": "id", "type": "bigint"}], "data": [[9007199254740993]]}`)
	set, err := rowSetFromResponse(body, typeOptions{})
	if err != nil {
		t.Fatalf("rowSetFromResponse returned error: %v", err)
	}
	// Beyond float64's integer range; must not round through a float
	if set.rows[0][0] != int64(9007199254740993) {
		t.Errorf("Expected 9007199254740993, got %v", set.rows[0][0])
	}
}

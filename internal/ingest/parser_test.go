package ingest

import (
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantRecords  []Record
		wantRejected []int // Line numbers
	}{
		{
			name:  "valid rows",
			input: "id,name,value\n1,alpha,10\n2,beta,20\n",
			wantRecords: []Record{
				{ID: 1, Name: pgtype.Text{String: "alpha", Valid: true}, Value: 10},
				{ID: 2, Name: pgtype.Text{String: "beta", Valid: true}, Value: 20},
			},
		},
		{
			name:  "non-integer value is rejected alone",
			input: "id,name,value\n1,alpha,10\n2,beta,abc\n",
			wantRecords: []Record{
				{ID: 1, Name: pgtype.Text{String: "alpha", Valid: true}, Value: 10},
			},
			wantRejected: []int{3},
		},
		{
			name:         "missing id",
			input:        "id,name,value\n,alpha,10\n",
			wantRejected: []int{2},
		},
		{
			name:         "short row",
			input:        "id,name,value\n1,alpha\n",
			wantRejected: []int{2},
		},
		{
			name:  "empty name is null",
			input: "id,name,value\n7,,70\n",
			wantRecords: []Record{
				{ID: 7, Value: 70},
			},
		},
		{
			name:  "header only",
			input: "id,name,value\n",
		},
		{
			name:  "empty content",
			input: "",
		},
		{
			name:  "columns in any order and case",
			input: "Value,ID,Name\n5,3,gamma\n",
			wantRecords: []Record{
				{ID: 3, Name: pgtype.Text{String: "gamma", Valid: true}, Value: 5},
			},
		},
		{
			name:  "blank lines and BOM",
			input: "\ufeffid,name,value\n\n1,a,1\n\n2,b,2\n",
			wantRecords: []Record{
				{ID: 1, Name: pgtype.Text{String: "a", Valid: true}, Value: 1},
				{ID: 2, Name: pgtype.Text{String: "b", Valid: true}, Value: 2},
			},
		},
		{
			name:  "delimiter and whitespace rows are rejected",
			input: "id,name,value\n,,\n  ,  ,  \n   \n1,a,1\n",
			wantRecords: []Record{
				{ID: 1, Name: pgtype.Text{String: "a", Valid: true}, Value: 1},
			},
			wantRejected: []int{2, 3, 4},
		},
		{
			name:  "extra columns ignored",
			input: "id,name,value,note\n1,a,1,hello\n",
			wantRecords: []Record{
				{ID: 1, Name: pgtype.Text{String: "a", Valid: true}, Value: 1},
			},
		},
		{
			name:         "missing value column rejects every row",
			input:        "id,name\n1,a\n2,b\n",
			wantRejected: []int{2, 3},
		},
		{
			name:  "quoted cell with comma",
			input: "id,name,value\n1,\"last, first\",9\n",
			wantRecords: []Record{
				{ID: 1, Name: pgtype.Text{String: "last, first", Valid: true}, Value: 9},
			},
		},
		{
			name:  "excel formula prefix on name is cleaned",
			input: "id,name,value\n12,=\"x\",4\n",
			wantRecords: []Record{
				{ID: 12, Name: pgtype.Text{String: "x", Valid: true}, Value: 4},
			},
		},
		{
			name:         "spreadsheet-decorated integers are rejected",
			input:        "id,name,value\n=5,x,1\n1,x,'7'\n\"=\"\"9\"\"\",y,10\n 4 ,z, 40 \n",
			wantRecords:  []Record{{ID: 4, Name: pgtype.Text{String: "z", Valid: true}, Value: 40}},
			wantRejected: []int{2, 3, 4},
		},
		{
			name:         "integer overflow",
			input:        "id,name,value\n1,a,99999999999999999999\n",
			wantRejected: []int{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse([]byte(tt.input))

			if len(got.Records) != len(tt.wantRecords) {
				t.Fatalf("Parse() records = %+v, want %+v", got.Records, tt.wantRecords)
			}
			for i := range got.Records {
				if got.Records[i] != tt.wantRecords[i] {
					t.Errorf("record %d = %+v, want %+v", i, got.Records[i], tt.wantRecords[i])
				}
			}

			if len(got.Rejected) != len(tt.wantRejected) {
				t.Fatalf("Parse() rejected = %+v, want lines %v", got.Rejected, tt.wantRejected)
			}
			for i, line := range tt.wantRejected {
				if got.Rejected[i].LineNumber != line {
					t.Errorf("rejected %d line = %d, want %d", i, got.Rejected[i].LineNumber, line)
				}
				if got.Rejected[i].Reason == "" {
					t.Errorf("rejected %d has no reason", i)
				}
			}
		})
	}
}

func TestParse_RejectReasons(t *testing.T) {
	got := Parse([]byte("id,name,value\nx,a,1\n1,a,\n=5,b,1\n2,c,'7'\n"))
	if len(got.Rejected) != 4 {
		t.Fatalf("rejected = %d, want 4", len(got.Rejected))
	}
	if !strings.Contains(got.Rejected[2].Reason, `invalid integer for "id": "=5"`) {
		t.Errorf("reason[2] = %q", got.Rejected[2].Reason)
	}
	if !strings.Contains(got.Rejected[3].Reason, `invalid integer for "value": "'7'"`) {
		t.Errorf("reason[3] = %q", got.Rejected[3].Reason)
	}
	if !strings.Contains(got.Rejected[0].Reason, `invalid integer for "id"`) {
		t.Errorf("reason[0] = %q", got.Rejected[0].Reason)
	}
	if !strings.Contains(got.Rejected[1].Reason, `empty required field "value"`) {
		t.Errorf("reason[1] = %q", got.Rejected[1].Reason)
	}
	if got.Rejected[0].Data[0] != "x" {
		t.Errorf("rejected data = %v, want raw cells", got.Rejected[0].Data)
	}
}

func TestParse_RecordLines(t *testing.T) {
	got := Parse([]byte("id,name,value\n1,a,1\nx,b,2\n\n3,c,3\n"))
	want := []int{2, 5}
	if len(got.Lines) != len(want) {
		t.Fatalf("lines = %v, want %v", got.Lines, want)
	}
	for i := range want {
		if got.Lines[i] != want[i] {
			t.Errorf("lines[%d] = %d, want %d", i, got.Lines[i], want[i])
		}
	}
}

func TestParse_MalformedQuoteKeepsGoing(t *testing.T) {
	// A bare quote inside an unquoted field is kept as data.
	got := Parse([]byte("id,name,value\n1,a\"b,2\n3,c,4\n"))
	if len(got.Records) != 2 {
		t.Fatalf("records = %+v, want 2", got.Records)
	}
	if got.Records[0].Name.String != `a"b` {
		t.Errorf("name = %q, want %q", got.Records[0].Name.String, `a"b`)
	}
}

func TestParseSeq_StopsEarly(t *testing.T) {
	content := []byte("id,name,value\n1,a,1\n2,b,2\n3,c,3\n")

	n := 0
	for range ParseSeq(content) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("iterated %d rows, want 2", n)
	}
}

func TestParse_InvalidUTF8(t *testing.T) {
	got := Parse([]byte("id,name,value\n1,caf\xe9,1\n"))
	if len(got.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(got.Records))
	}
	if got.Records[0].Name.String != "caf\uFFFD" {
		t.Errorf("name = %q, want replacement character", got.Records[0].Name.String)
	}
}

func TestCleanCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  abc  ", "abc"},
		{`="00123"`, "00123"},
		{"=SUM", "SUM"},
		{`"quoted"`, "quoted"},
		{"'single'", "single"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanCell(tt.in); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMakeHeaderIndex_FirstOccurrenceWins(t *testing.T) {
	idx := MakeHeaderIndex([]string{"id", "ID", " value "})
	if idx["id"] != 0 {
		t.Errorf("id index = %d, want 0", idx["id"])
	}
	if idx["value"] != 2 {
		t.Errorf("value index = %d, want 2", idx["value"])
	}
}

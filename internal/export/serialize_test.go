package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"triagedeck/pkg/domain"
	"triagedeck/pkg/store"
)

func labeledRow(item, user string, tsServer int64) store.ExportRow {
	return store.ExportRow{
		ItemID:            item,
		ExternalID:        "ext-" + item,
		MediaType:         "image",
		URI:               "/media/" + item + ".jpg",
		SortKey:           "0001",
		ItemMetadata:      map[string]any{"subject_id": "subject-1", "nested": map[string]any{"depth": "two"}},
		UserID:            user,
		EventID:           "ev-" + item,
		DecisionID:        "pass",
		Note:              "a note, with comma",
		TsClient:          tsServer - 5,
		TsClientEffective: tsServer - 5,
		TsServer:          tsServer,
		HasDecision:       true,
	}
}

func TestFieldValueProjection(t *testing.T) {
	row := labeledRow("i1", "u1", 100)
	if got := fieldValue(row, "item_id"); got != "i1" {
		t.Fatalf("item_id = %v", got)
	}
	if got := fieldValue(row, "metadata.subject_id"); got != "subject-1" {
		t.Fatalf("metadata.subject_id = %v", got)
	}
	if got := fieldValue(row, "metadata.nested.depth"); got != "two" {
		t.Fatalf("nested path = %v", got)
	}
	if got := fieldValue(row, "metadata.missing"); got != nil {
		t.Fatalf("missing metadata path = %v, want nil", got)
	}
	if got := fieldValue(row, "ts_server"); got != int64(100) {
		t.Fatalf("ts_server = %v", got)
	}

	unlabeled := row
	unlabeled.HasDecision = false
	if got := fieldValue(unlabeled, "decision_id"); got != nil {
		t.Fatalf("decision field on unlabeled row = %v, want nil", got)
	}
	if got := fieldValue(unlabeled, "item_id"); got != "i1" {
		t.Fatalf("item field must survive unlabeled rows")
	}
}

func TestJSONLWriterShape(t *testing.T) {
	var buf bytes.Buffer
	fields := []string{"item_id", "decision_id", "ts_server", "metadata.subject_id", "metadata.missing"}
	w, err := newDatasetWriter(domain.FormatJSONL, &buf, fields)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteRow(labeledRow("i1", "u1", 100)); err != nil {
		t.Fatalf("write row: %v", err)
	}
	if err := w.WriteRow(labeledRow("i2", "u1", 101)); err != nil {
		t.Fatalf("write row: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := buf.String()
	want := `{"item_id":"i1","decision_id":"pass","ts_server":100,"metadata.subject_id":"subject-1","metadata.missing":null}` +
		"\n" +
		`{"item_id":"i2","decision_id":"pass","ts_server":101,"metadata.subject_id":"subject-1","metadata.missing":null}`
	if got != want {
		t.Fatalf("jsonl output:\n%s\nwant:\n%s", got, want)
	}
	if strings.HasSuffix(got, "\n") {
		t.Fatalf("trailing newline after last line")
	}
}

func TestCSVWriterShape(t *testing.T) {
	var buf bytes.Buffer
	fields := []string{"item_id", "note", "ts_server"}
	w, err := newDatasetWriter(domain.FormatCSV, &buf, fields)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteRow(labeledRow("i1", "u1", 100)); err != nil {
		t.Fatalf("write row: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	want := "item_id,note,ts_server\n" +
		"i1,\"a note, with comma\",100\n"
	if buf.String() != want {
		t.Fatalf("csv output:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestParquetWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fields := []string{"item_id", "decision_id", "ts_server"}
	w, err := newDatasetWriter(domain.FormatParquet, &buf, fields)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteRow(labeledRow("i1", "u1", 100)); err != nil {
		t.Fatalf("write row: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	if file.NumRows() != 1 {
		t.Fatalf("parquet rows = %d, want 1", file.NumRows())
	}
	reader := parquet.NewGenericReader[map[string]any](file, file.Schema())
	defer reader.Close()
	rows := []map[string]any{{}}
	if n, err := reader.Read(rows); n != 1 && err != nil {
		t.Fatalf("read parquet: n=%d err=%v", n, err)
	}
	if rows[0]["item_id"] != "i1" {
		t.Fatalf("parquet row = %+v", rows[0])
	}
}

func TestSerializationIsDeterministic(t *testing.T) {
	fields := []string{"item_id", "user_id", "decision_id", "ts_server", "metadata.subject_id"}
	rows := []store.ExportRow{
		labeledRow("i1", "u1", 100),
		labeledRow("i1", "u2", 100),
		labeledRow("i2", "u1", 101),
	}
	for _, format := range []domain.ExportFormat{domain.FormatJSONL, domain.FormatCSV, domain.FormatParquet} {
		var a, b bytes.Buffer
		for _, buf := range []*bytes.Buffer{&a, &b} {
			w, err := newDatasetWriter(format, buf, fields)
			if err != nil {
				t.Fatalf("%s: new writer: %v", format, err)
			}
			for _, row := range rows {
				if err := w.WriteRow(row); err != nil {
					t.Fatalf("%s: write: %v", format, err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("%s: close: %v", format, err)
			}
		}
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			t.Fatalf("%s: two identical runs produced different bytes", format)
		}
	}
}

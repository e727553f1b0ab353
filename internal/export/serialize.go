package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"triagedeck/pkg/domain"
	"triagedeck/pkg/store"
)

// fieldValue projects one allow-listed field out of a snapshot row.
// Unknown metadata paths and decision fields on unlabeled rows yield
// nil, which each format renders as its own null.
func fieldValue(row store.ExportRow, field string) any {
	switch field {
	case "item_id":
		return row.ItemID
	case "external_id":
		return row.ExternalID
	case "media_type":
		return row.MediaType
	case "uri":
		// always the logical URI, never a signed URL
		return row.URI
	case "sort_key":
		return row.SortKey
	}
	if path, ok := strings.CutPrefix(field, "metadata."); ok {
		return metadataPath(row.ItemMetadata, path)
	}
	if !row.HasDecision {
		return nil
	}
	switch field {
	case "user_id":
		return row.UserID
	case "event_id":
		return row.EventID
	case "decision_id":
		return row.DecisionID
	case "note":
		return row.Note
	case "ts_client":
		return row.TsClient
	case "ts_client_effective":
		return row.TsClientEffective
	case "ts_server":
		return row.TsServer
	}
	return nil
}

// metadataPath walks a dotted path through nested metadata maps.
func metadataPath(meta map[string]any, path string) any {
	var cur any = meta
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// timestampFields are serialized as integers in every format.
var timestampFields = map[string]bool{
	"ts_client":           true,
	"ts_client_effective": true,
	"ts_server":           true,
}

// datasetWriter serializes projected rows into one export format.
// Output is a pure function of the row sequence and the field list.
type datasetWriter interface {
	WriteRow(row store.ExportRow) error
	Close() error
}

func newDatasetWriter(format domain.ExportFormat, w io.Writer, fields []string) (datasetWriter, error) {
	switch format {
	case domain.FormatJSONL:
		return &jsonlWriter{w: w, fields: fields}, nil
	case domain.FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(fields); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		return &csvWriter{w: cw, fields: fields}, nil
	case domain.FormatParquet:
		return newParquetWriter(w, fields), nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

// jsonlWriter emits one JSON object per line, keys in include_fields
// order, LF separators, and no trailing newline after the last line.
type jsonlWriter struct {
	w      io.Writer
	fields []string
	wrote  bool
}

func (j *jsonlWriter) WriteRow(row store.ExportRow) error {
	var b strings.Builder
	if j.wrote {
		b.WriteByte('\n')
	}
	b.WriteByte('{')
	for i, field := range j.fields {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(field)
		if err != nil {
			return err
		}
		value, err := json.Marshal(fieldValue(row, field))
		if err != nil {
			return fmt.Errorf("encode field %s: %w", field, err)
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(value)
	}
	b.WriteByte('}')
	j.wrote = true
	_, err := io.WriteString(j.w, b.String())
	return err
}

func (j *jsonlWriter) Close() error { return nil }

// csvWriter emits an RFC 4180 file with the header row equal to
// include_fields and LF line endings.
type csvWriter struct {
	w      *csv.Writer
	fields []string
}

func (c *csvWriter) WriteRow(row store.ExportRow) error {
	record := make([]string, len(c.fields))
	for i, field := range c.fields {
		record[i] = csvCell(fieldValue(row, field))
	}
	return c.w.Write(record)
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	return c.w.Error()
}

func csvCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// parquetWriter emits one optional column per included field. The
// schema is pinned by name: timestamp fields are INT64, everything
// else a UTF8 byte array, so repeated runs produce identical layouts.
type parquetWriter struct {
	w      *parquet.GenericWriter[map[string]any]
	fields []string
}

func newParquetWriter(w io.Writer, fields []string) *parquetWriter {
	group := parquet.Group{}
	for _, field := range fields {
		if timestampFields[field] {
			group[field] = parquet.Optional(parquet.Int(64))
		} else {
			group[field] = parquet.Optional(parquet.String())
		}
	}
	schema := parquet.NewSchema("dataset", group)
	return &parquetWriter{
		w:      parquet.NewGenericWriter[map[string]any](w, schema),
		fields: fields,
	}
}

func (p *parquetWriter) WriteRow(row store.ExportRow) error {
	record := make(map[string]any, len(p.fields))
	for _, field := range p.fields {
		v := fieldValue(row, field)
		if v == nil {
			continue
		}
		if timestampFields[field] {
			record[field] = v
		} else {
			record[field] = csvCell(v)
		}
	}
	_, err := p.w.Write([]map[string]any{record})
	return err
}

func (p *parquetWriter) Close() error { return p.w.Close() }

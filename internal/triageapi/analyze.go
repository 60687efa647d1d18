package triageapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/edrtriage/internal/record"
	"github.com/linnemanlabs/edrtriage/internal/triage"
)

// errSpreadsheet rejects workbook uploads; callers export to CSV first.
var errSpreadsheet = fmt.Errorf("%w: spreadsheet uploads are not supported, export the sheet as CSV", triage.ErrInput)

var spreadsheetTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel": true,
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)

	batch, source, err := a.decodeBatch(r)
	if err != nil {
		a.writeError(w, r, "decode batch", err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("triage.source", source),
		attribute.Int("triage.records", batch.Len()),
	)

	report, err := a.svc.Analyze(r.Context(), batch)
	if err != nil {
		a.writeError(w, r, "analyze", err)
		return
	}

	span.SetAttributes(attribute.String("triage.analysis_id", report.AnalysisID))
	writeJSON(w, http.StatusOK, report)
}

// decodeBatch reads the request body as a multipart upload, raw CSV, or a
// JSON document, and reports which it was.
func (a *API) decodeBatch(r *http.Request) (record.Batch, string, error) {
	ct := r.Header.Get("Content-Type")
	mediaType := "application/json"
	if ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return record.Batch{}, "", fmt.Errorf("%w: bad content type: %w", triage.ErrInput, err)
		}
		mediaType = mt
	}

	switch {
	case mediaType == "multipart/form-data":
		return a.decodeUpload(r)
	case mediaType == "text/csv" || mediaType == "application/csv":
		b, err := record.DecodeCSV(r.Body)
		return b, "csv", err
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		b, err := record.DecodeJSON(r.Body)
		return b, "json", err
	case spreadsheetTypes[mediaType]:
		return record.Batch{}, "", errSpreadsheet
	default:
		return record.Batch{}, "", fmt.Errorf("%w: unsupported content type %q", triage.ErrInput, mediaType)
	}
}

func (a *API) decodeUpload(r *http.Request) (record.Batch, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return record.Batch{}, "", fmt.Errorf("%w: %w", triage.ErrInput, err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return record.Batch{}, "", fmt.Errorf("%w: multipart body has no file field", triage.ErrInput)
		}
		if err != nil {
			return record.Batch{}, "", fmt.Errorf("%w: %w", triage.ErrInput, err)
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		name := part.FileName()
		a.logger.Info(r.Context(), "received upload", "filename", name)

		switch ext := strings.ToLower(filepath.Ext(name)); ext {
		case ".csv":
			b, err := record.DecodeCSV(part)
			return b, "upload_csv", err
		case ".json":
			b, err := record.DecodeJSON(part)
			return b, "upload_json", err
		case ".xlsx", ".xls", ".xlsm":
			return record.Batch{}, "", errSpreadsheet
		default:
			return record.Batch{}, "", fmt.Errorf("%w: unsupported file type %q, expected .csv or .json", triage.ErrInput, ext)
		}
	}
}

package extraction

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"net/http"

	"github.com/xuri/excelize/v2"

	"github.com/instill-ai/extraction-backend/pkg/router"
)

const (
	mimeXLSX        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeCSV         = "text/csv"
	mimeOctetStream = "application/octet-stream"
)

// resolveMIME picks the media type of a fetched source: the declared type
// first, then the one reported by the storage, then the file extension and
// finally content sniffing.
func resolveMIME(declared, fetched, fileName string, content []byte) string {
	for _, mt := range []string{declared, fetched, router.DetectMIME(fileName)} {
		mt = router.NormalizeMIME(mt)
		if mt != "" && mt != mimeOctetStream && mt != "binary/octet-stream" {
			return mt
		}
	}
	return router.NormalizeMIME(http.DetectContentType(content))
}

// normalize converts formats that providers read poorly into ones they
// read well. Spreadsheets become CSV text, one block per sheet.
func normalize(content []byte, mimeType string) ([]byte, string, error) {
	if mimeType != mimeXLSX {
		return content, mimeType, nil
	}

	text, err := spreadsheetToCSV(content)
	if err != nil {
		return nil, "", err
	}
	return text, mimeCSV, nil
}

func spreadsheetToCSV(content []byte) ([]byte, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("opening spreadsheet: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	sheets := f.GetSheetList()
	for i, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}

		if len(sheets) > 1 {
			if i > 0 {
				buf.WriteByte('\n')
			}
			fmt.Fprintf(&buf, "# %s\n", sheet)
		}

		w := csv.NewWriter(&buf)
		if err := w.WriteAll(rows); err != nil {
			return nil, fmt.Errorf("writing sheet %q: %w", sheet, err)
		}
	}
	return buf.Bytes(), nil
}

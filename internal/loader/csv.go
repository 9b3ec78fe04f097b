package loader

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"
)

// loadCSV renders every data row as its own page of "header: value" lines.
func loadCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, loadFailure(err, FormatCSV, path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, loadFailure(err, FormatCSV, path)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var pages []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, loadFailure(err, FormatCSV, path)
		}

		lines := make([]string, 0, len(record))
		for i, value := range record {
			key := ""
			if i < len(header) {
				key = strings.TrimSpace(header[i])
			}
			lines = append(lines, key+": "+strings.TrimSpace(value))
		}
		pages = append(pages, strings.Join(lines, "\n"))
	}
	return pages, nil
}

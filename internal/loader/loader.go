// Package loader turns a document on disk into a list of page texts.
package loader

import (
	"context"
	"fmt"

	"queryprism/internal/pkg/apperr"
)

// Load extracts page texts from the file at path. Parse errors are reported
// as load failures; an unknown Format is an unsupported format.
func Load(ctx context.Context, path string, format Format) (pages []string, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		// The PDF reader panics on some malformed cross-reference tables.
		if r := recover(); r != nil {
			pages = nil
			err = apperr.New(apperr.CodeLoadFailure, fmt.Sprintf("corrupt %s document: %v", format, r))
		}
	}()

	switch format {
	case FormatPDF:
		return loadPDF(path)
	case FormatDOCX:
		return loadDOCX(path)
	case FormatCSV:
		return loadCSV(path)
	default:
		return nil, apperr.New(apperr.CodeUnsupportedFormat, "unsupported file type", apperr.Field("format", format.String()))
	}
}

func loadFailure(err error, format Format, path string) error {
	return apperr.Wrap(err, apperr.CodeLoadFailure, "unreadable "+format.String()+" document", apperr.Field("path", path))
}

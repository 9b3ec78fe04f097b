package loader

import (
	"path/filepath"
	"strings"

	"queryprism/internal/pkg/apperr"
)

// Format is the closed set of document types the pipeline accepts.
type Format int

const (
	FormatPDF Format = iota + 1
	FormatDOCX
	FormatCSV
)

const (
	MIMEPDF  = "application/pdf"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMECSV  = "text/csv"
)

var extensions = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".csv":  FormatCSV,
}

func (f Format) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatDOCX:
		return "docx"
	case FormatCSV:
		return "csv"
	default:
		return "unknown"
	}
}

func (f Format) MIMEType() string {
	switch f {
	case FormatPDF:
		return MIMEPDF
	case FormatDOCX:
		return MIMEDOCX
	case FormatCSV:
		return MIMECSV
	default:
		return ""
	}
}

// ParseFormat maps a filename's extension, case-insensitively, to a Format.
func ParseFormat(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(strings.TrimSpace(filename)))
	if f, ok := extensions[ext]; ok {
		return f, nil
	}
	return 0, apperr.New(apperr.CodeUnsupportedFormat, "unsupported file type",
		apperr.FieldFilename(filename), apperr.Field("extension", ext))
}

// SupportedMIMETypes lists the remote MIME types a folder source should offer.
func SupportedMIMETypes() []string {
	return []string{MIMEPDF, MIMEDOCX, MIMECSV}
}

package loader

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

const docxBodyPart = "word/document.xml"

// loadDOCX returns the whole document body as a single page, one line per
// paragraph.
func loadDOCX(path string) ([]string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, loadFailure(err, FormatDOCX, path)
	}
	defer archive.Close()

	for _, file := range archive.File {
		if file.Name != docxBodyPart {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, loadFailure(err, FormatDOCX, path)
		}
		defer rc.Close()

		text, err := parseDocumentXML(rc)
		if err != nil {
			return nil, loadFailure(err, FormatDOCX, path)
		}
		return []string{text}, nil
	}
	return nil, loadFailure(errors.New("missing "+docxBodyPart), FormatDOCX, path)
}

// parseDocumentXML walks the WordprocessingML token stream collecting run
// text; paragraphs end lines, tabs and breaks are preserved.
func parseDocumentXML(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var (
		out    strings.Builder
		inText bool
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				out.WriteString("\t")
			case "br", "cr":
				out.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

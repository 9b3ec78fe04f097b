package loader

import (
	"github.com/ledongthuc/pdf"
)

// loadPDF returns one string per PDF page, empty pages included so page
// indexes line up with the source.
func loadPDF(path string) ([]string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, loadFailure(err, FormatPDF, path)
	}
	defer f.Close()

	pages := make([]string, 0, reader.NumPage())
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				font := page.Font(name)
				fonts[name] = &font
			}
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			return nil, loadFailure(err, FormatPDF, path)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

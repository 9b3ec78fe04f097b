// Package chunker splits extracted page text into overlapping chunks sized
// for embedding. Lengths are measured in runes.
package chunker

import (
	"strings"
	"unicode/utf8"

	"queryprism/internal/pkg/apperr"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Separators are tried coarsest first; "" splits into single runes.
var Separators = []string{"\n\n", "\n", " ", ""}

type Chunk struct {
	Text    string `json:"text"`
	Ordinal int    `json:"ordinal"`
	Page    int    `json:"page"`
}

type Splitter struct {
	size    int
	overlap int
}

func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, apperr.Errorf(apperr.CodeInvalidConfig, "chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, apperr.Errorf(apperr.CodeInvalidConfig, "chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

func (s *Splitter) Size() int    { return s.size }
func (s *Splitter) Overlap() int { return s.overlap }

// Split chunks each page independently. Ordinals run across pages in order.
func (s *Splitter) Split(pages []string) []Chunk {
	var chunks []Chunk
	for page, text := range pages {
		for _, piece := range s.splitText(text, Separators) {
			chunks = append(chunks, Chunk{Text: piece, Ordinal: len(chunks), Page: page})
		}
	}
	return chunks
}

func (s *Splitter) splitText(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var finer []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			finer = separators[i+1:]
			break
		}
	}

	var out, pending []string
	for _, piece := range splitNonEmpty(text, separator) {
		if runeLen(piece) < s.size {
			pending = append(pending, piece)
			continue
		}
		if len(pending) > 0 {
			out = append(out, s.merge(pending, separator)...)
			pending = nil
		}
		if len(finer) == 0 {
			out = appendTrimmed(out, piece)
			continue
		}
		out = append(out, s.splitText(piece, finer)...)
	}
	if len(pending) > 0 {
		out = append(out, s.merge(pending, separator)...)
	}
	return out
}

// merge packs small pieces into chunks of at most size runes, carrying a
// tail of at most overlap runes into the next chunk.
func (s *Splitter) merge(pieces []string, separator string) []string {
	sepLen := runeLen(separator)
	var (
		out     []string
		current []string
		total   int
	)
	joinCost := func() int {
		if len(current) > 0 {
			return sepLen
		}
		return 0
	}

	for _, piece := range pieces {
		n := runeLen(piece)
		if total+n+joinCost() > s.size && len(current) > 0 {
			out = appendTrimmed(out, strings.Join(current, separator))
			for total > s.overlap || (total > 0 && total+n+joinCost() > s.size) {
				drop := runeLen(current[0])
				if len(current) > 1 {
					drop += sepLen
				}
				total -= drop
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
		if len(current) > 1 {
			total += sepLen
		}
	}
	return appendTrimmed(out, strings.Join(current, separator))
}

func splitNonEmpty(text, separator string) []string {
	raw := strings.Split(text, separator)
	pieces := raw[:0]
	for _, piece := range raw {
		if piece != "" {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

func appendTrimmed(out []string, chunk string) []string {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return out
	}
	return append(out, chunk)
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

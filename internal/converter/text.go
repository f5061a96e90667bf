package converter

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"github.com/cuongbtq/file-converter/internal/format"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

type textExtractor func(path string) (string, error)

var textExtractors = map[format.Format]textExtractor{
	format.PDF:  extractPDF,
	format.DOCX: extractDOCX,
	format.ODT:  extractODT,
	format.HTML: extractHTML,
}

// textStrategy turns documents into plain text
type textStrategy struct {
	logger *slog.Logger
}

func (s *textStrategy) Name() string {
	return StrategyText
}

func (s *textStrategy) Convert(ctx context.Context, req Request) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	if extract, ok := textExtractors[req.Source]; ok {
		text, err := extract(req.Input)
		if err == nil {
			if err := writeText(req.Output, text); err != nil {
				return Outcome{}, err
			}
			return Outcome{Strategy: StrategyText}, nil
		}

		s.logger.Warn("Text extraction failed, reading source verbatim",
			slog.String("source", string(req.Source)),
			slog.Any("error", err),
		)
		if err := writeVerbatim(req); err != nil {
			return Outcome{}, err
		}
		return Outcome{Strategy: StrategyText, Degraded: true, Note: err.Error()}, nil
	}

	if err := writeVerbatim(req); err != nil {
		return Outcome{}, err
	}
	return Outcome{Strategy: StrategyText}, nil
}

// writeVerbatim copies the source as text, dropping invalid UTF-8, behind a provenance line
func writeVerbatim(req Request) error {
	data, err := os.ReadFile(req.Input)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	text := fmt.Sprintf("Converted from %s\n\n%s", req.Source, strings.ToValidUTF8(string(data), ""))
	return writeText(req.Output, text)
}

func writeText(out, text string) error {
	return writeFileAtomic(out, func(w io.Writer) error {
		_, err := io.WriteString(w, text)
		return err
	})
}

func extractPDF(path string) (text string, err error) {
	// the pdf reader panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	rd, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rd); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func extractDOCX(path string) (string, error) {
	return extractZippedXML(path, "word/document.xml", map[string]string{"p": "\n", "br": "\n", "tab": "\t"}, "t")
}

func extractODT(path string) (string, error) {
	return extractZippedXML(path, "content.xml", map[string]string{"p": "\n", "h": "\n", "line-break": "\n", "tab": "\t"}, "")
}

// extractZippedXML reads one XML part out of an office zip container. Character data is kept
// when it sits inside an element named textElem (or anywhere when textElem is empty); breaks maps
// element local names to the separator emitted when the element closes.
func extractZippedXML(path, part string, breaks map[string]string, textElem string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == part {
			entry = f
			break
		}
	}
	if entry == nil {
		return "", fmt.Errorf("%s not found in container", part)
	}

	rc, err := entry.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var sb strings.Builder
	dec := xml.NewDecoder(rc)
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if textElem != "" && t.Name.Local == textElem {
				depth++
			}
		case xml.EndElement:
			if textElem != "" && t.Name.Local == textElem {
				depth--
			}
			if sep, ok := breaks[t.Name.Local]; ok {
				sb.WriteString(sep)
			}
		case xml.CharData:
			if textElem == "" || depth > 0 {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()) + "\n", nil
}

var htmlBlocks = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "title": true,
}

func extractHTML(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	z := html.NewTokenizer(f)
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return collapseBlankLines(sb.String()), nil
			}
			return "", z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br":
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if skip > 0 {
					skip--
				}
			} else if htmlBlocks[tag] {
				sb.WriteString("\n")
			}
		case html.TextToken:
			if skip == 0 {
				sb.WriteString(squashSpace(string(z.Text())))
			}
		}
	}
}

// squashSpace collapses whitespace runs to one space, keeping a space at either edge so inline
// elements stay separated
func squashSpace(s string) string {
	words := strings.Fields(s)
	if len(words) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(words, " ")
	if strings.TrimLeftFunc(s, unicode.IsSpace) != s {
		out = " " + out
	}
	if strings.TrimRightFunc(s, unicode.IsSpace) != s {
		out += " "
	}
	return out
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n") + "\n"
}

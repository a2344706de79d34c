// Package extract turns uploaded document bytes into plain text for
// embedding.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
	TypePDF      = "application/pdf"
)

var ErrUnsupportedType = errors.New("unsupported content type")

// Text extracts the readable text of data according to contentType. An
// empty content type is treated as plain text.
func Text(contentType string, data []byte) (string, error) {
	mediaType := TypePlain
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return "", fmt.Errorf("parsing content type %q: %w", contentType, err)
		}
		mediaType = mt
	}

	switch mediaType {
	case TypePlain, TypeMarkdown:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%s content is not valid UTF-8", mediaType)
		}
		return strings.TrimSpace(string(data)), nil
	case TypeHTML:
		return htmlText(data)
	case TypePDF:
		return pdfText(data)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, mediaType)
}

func htmlText(data []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head:
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				parts = append(parts, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.Join(parts, " "), nil
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

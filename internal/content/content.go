// Package content resolves the body of a context entity from exactly one of
// a literal value, a stream, or a file path.
package content

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/engram-cli/engram/internal/entity"
)

// MaxBytes caps how much content is read from a stream or file.
const MaxBytes = 8 << 20

// Source names where a context's content comes from. Exactly one of Text,
// Stdin and File may be set.
type Source struct {
	Text  string
	Stdin io.Reader
	File  string
}

// Resolved is content after source resolution. Callers treat all origins
// the same from here on.
type Resolved struct {
	Text   string
	Origin entity.Origin
	// Path is the file the content was read from, if any.
	Path string
}

// Resolve reads the single configured source. Zero or multiple sources is
// a validation error and nothing is read.
func Resolve(src Source) (Resolved, error) {
	n := 0
	if src.Text != "" {
		n++
	}
	if src.Stdin != nil {
		n++
	}
	if src.File != "" {
		n++
	}
	switch {
	case n == 0:
		return Resolved{}, entity.Invalid("content", "one of literal text, stdin or file is required")
	case n > 1:
		return Resolved{}, entity.Invalid("content", "literal text, stdin and file are mutually exclusive")
	}

	switch {
	case src.Text != "":
		return Resolved{Text: src.Text, Origin: entity.OriginLiteral}, nil
	case src.Stdin != nil:
		text, err := readAll(src.Stdin)
		if err != nil {
			return Resolved{}, fmt.Errorf("reading stdin: %w", err)
		}
		if text == "" {
			return Resolved{}, entity.Invalid("content", "stdin was empty")
		}
		return Resolved{Text: text, Origin: entity.OriginStdin}, nil
	}

	text, err := readFile(src.File)
	if err != nil {
		return Resolved{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Resolved{}, entity.Invalid("content", fmt.Sprintf("file %s has no text", src.File))
	}
	return Resolved{Text: text, Origin: entity.OriginFile, Path: src.File}, nil
}

func readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > MaxBytes {
		return "", entity.Invalid("content", fmt.Sprintf("exceeds %d bytes", MaxBytes))
	}
	if !utf8.Valid(data) {
		return "", entity.Invalid("content", "is not valid UTF-8 text")
	}
	return string(data), nil
}

func readFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", entity.Invalid("file", fmt.Sprintf("%s does not exist", path))
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", entity.Invalid("file", fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > MaxBytes {
		return "", entity.Invalid("file", fmt.Sprintf("%s exceeds %d bytes", path, MaxBytes))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return pdfText(path)
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		return htmlText(f)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return readAll(f)
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", entity.Invalid("file", fmt.Sprintf("%s is not a readable PDF: %v", path, err))
	}
	defer f.Close()
	plain, err := r.GetPlainText()
	if err != nil {
		return "", entity.Invalid("file", fmt.Sprintf("extracting text from %s: %v", path, err))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, MaxBytes)); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// htmlText returns the visible text of an HTML document, one block per line.
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(io.LimitReader(r, MaxBytes))
	if err != nil {
		return "", entity.Invalid("file", fmt.Sprintf("parsing HTML: %v", err))
	}
	var lines []string
	var cur strings.Builder
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
				return
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			flush()
		}
	}
	walk(doc)
	flush()
	return strings.Join(lines, "\n"), nil
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Pre, atom.Blockquote, atom.Title:
		return true
	}
	return false
}

package stanza

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

var ErrParse = errors.New("stanza: parse error")

// TokenSource yields element-boundary events. *xml.Decoder satisfies it.
type TokenSource interface {
	Token() (xml.Token, error)
}

// TokenReader replays a captured token slice and reports io.EOF when drained.
type TokenReader struct {
	tokens []xml.Token
	pos    int
}

func NewTokenReader(tokens []xml.Token) *TokenReader {
	return &TokenReader{tokens: tokens}
}

func (r *TokenReader) Token() (xml.Token, error) {
	if r.pos >= len(r.tokens) {
		return nil, io.EOF
	}
	tok := r.tokens[r.pos]
	r.pos++
	return tok, nil
}

// CaptureElement copies every token of the element opened by start, including
// start and its matching end, so the element can be decoded after the stream
// has moved on.
func CaptureElement(src TokenSource, start xml.StartElement) ([]xml.Token, error) {
	out := []xml.Token{start.Copy()}
	depth := 1
	for depth > 0 {
		tok, err := src.Token()
		if err != nil {
			return nil, err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
		out = append(out, xml.CopyToken(tok))
	}
	return out, nil
}

// skipElement consumes tokens up to and including the end of the element
// whose start token was already read.
func skipElement(src TokenSource) error {
	depth := 1
	for depth > 0 {
		tok, err := src.Token()
		if err != nil {
			return parseErr(err, "skip element")
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

// readText returns the character data of the current element and consumes its
// end tag.
func readText(src TokenSource, name string) (string, error) {
	var text []byte
	for {
		tok, err := src.Token()
		if err != nil {
			return "", parseErr(err, "text of <"+name+">")
		}
		switch t := tok.(type) {
		case xml.CharData:
			text = append(text, t...)
		case xml.EndElement:
			return string(text), nil
		case xml.StartElement:
			return "", fmt.Errorf("%w: element <%s> inside text of <%s>", ErrParse, t.Name.Local, name)
		}
	}
}

func parseErr(err error, where string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended in %s", ErrParse, where)
	}
	var syntax *xml.SyntaxError
	if errors.As(err, &syntax) {
		return fmt.Errorf("%w: %s: %v", ErrParse, where, syntax)
	}
	return err
}

func attr(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

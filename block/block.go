// Package block defines the typed AST block model that a parsed note is
// decomposed into, and the Parser capability that produces it.
package block

import (
	"context"
	"fmt"

	"github.com/kilnwork/kiln/hash"
)

// Kind is a closed tagged variant of block types. Adding a new kind is a
// schema change and requires a version bump wherever blocks are persisted
// (see merklestore and graphstore).
type Kind string

const (
	KindHeading   Kind = "heading"
	KindParagraph Kind = "paragraph"
	KindCode      Kind = "code"
	KindList      Kind = "list"
	KindListItem  Kind = "list_item"
	KindQuote     Kind = "quote"
	KindCallout   Kind = "callout"
	KindRule      Kind = "rule"
	KindLatex     Kind = "latex"
	KindEmbed     Kind = "embed"
)

// shorthand is the compact tag used inside a block ID, e.g. "blocks:note:a.md:h0".
func (k Kind) shorthand() string {
	switch k {
	case KindHeading:
		return "h"
	case KindParagraph:
		return "p"
	case KindCode:
		return "c"
	case KindList:
		return "l"
	case KindListItem:
		return "li"
	case KindQuote:
		return "q"
	case KindCallout:
		return "co"
	case KindRule:
		return "r"
	case KindLatex:
		return "tex"
	case KindEmbed:
		return "e"
	default:
		return "x"
	}
}

// Position locates a block within the source document.
type Position struct {
	StartOffset int
	EndOffset   int
	StartLine   int
	EndLine     int
}

// Block is the smallest independently addressable unit of a note.
type Block struct {
	ID           string
	Kind         Kind
	Content      string // normalized text (see hash.Normalize)
	ParentID     string // heading block that opened the current scope, if any
	Depth        int
	HeadingLevel int // only meaningful when Kind == KindHeading
	Position     Position
	ContentHash  hash.BlockHash
	Metadata     map[string]string
}

// MakeID derives the stable, position-ordinal block ID for a block of the
// given kind at the given per-kind ordinal within a note's parse order.
func MakeID(path string, k Kind, ordinal int) string {
	return fmt.Sprintf("blocks:note:%s:%s%d", path, k.shorthand(), ordinal)
}

// Frontmatter is the decoded metadata header of a note.
type Frontmatter struct {
	Format string // "yaml" or "toml"
	Data   map[string]any
}

// Wikilink is a `[[Target]]`, `[[Target|Alias]]`, or `[[Target#Section]]`
// reference found inside a block.
type Wikilink struct {
	Target  string
	Alias   string
	Section string
	BlockID string
	// Position is the byte offset of the link within its source block's
	// normalized content, used to populate relation.Position on persist.
	Position int
}

// Tag is an inline `#tag` or `#nested/tag` reference.
type Tag struct {
	Name    string
	BlockID string
}

// Callout is a `> [!note] ...` admonition block.
type Callout struct {
	Kind    string // "note", "warning", "tip", ...
	BlockID string
}

// LatexSpan is a `$...$` or `$$...$$` math span.
type LatexSpan struct {
	Content string
	Display bool // true for $$...$$ (block), false for $...$ (inline)
	BlockID string
}

// CodeBlock records the language of a fenced code block.
type CodeBlock struct {
	Language string
	BlockID  string
}

// ParsedNote is the immutable output of parsing one note file. The pipeline
// never mutates it.
type ParsedNote struct {
	Path        string
	Frontmatter *Frontmatter
	Blocks      []Block // ordered sequence (body_ast)
	Wikilinks   []Wikilink
	Tags        []Tag
	Callouts    []Callout
	Latex       []LatexSpan
	CodeBlocks  []CodeBlock
}

// Parser parses raw note bytes into a ParsedNote. Parse errors are fatal
// for the file being parsed but must never panic.
type Parser interface {
	Parse(ctx context.Context, path string, data []byte) (*ParsedNote, error)
}

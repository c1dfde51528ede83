package block

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kilnwork/kiln/hash"
	"github.com/pelletier/go-toml/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// MarkdownParser implements Parser over the CommonMark-plus-extensions
// dialect described by spec.md §6: YAML/TOML frontmatter, wikilinks, inline
// tags, fenced code, callouts, LaTeX spans, and standard CommonMark.
type MarkdownParser struct {
	md goldmark.Markdown
}

// NewMarkdownParser constructs the parser with GitHub-flavored extensions
// (tables, strikethrough, autolinks) enabled, matching the CommonMark-plus
// contract in spec.md §6.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{
		md: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

var _ Parser = (*MarkdownParser)(nil)

var (
	wikilinkPattern = regexp.MustCompile(`\[\[([^\]|#]+)(?:#([^\]|]+))?(?:\|([^\]]+))?\]\]`)
	tagPattern      = regexp.MustCompile(`(^|\s)#([\p{L}\d][\p{L}\d/_-]*)`)
	latexBlockPat   = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	latexInlinePat  = regexp.MustCompile(`\$([^$\n]+)\$`)
)

// Parse decomposes note bytes into a ParsedNote. It never returns a partial
// result on error.
func (p *MarkdownParser) Parse(ctx context.Context, path string, data []byte) (*ParsedNote, error) {
	fm, body, bodyOffset, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("block: parsing frontmatter: %w", err)
	}

	source := body
	doc := p.md.Parser().Parse(text.NewReader(source))

	note := &ParsedNote{Path: path, Frontmatter: fm}
	ordinals := map[Kind]int{}

	// headingStack tracks currently-open heading scopes as (level, blockID)
	// pairs. Per spec.md §9 open question 1, two headings at the same level
	// are siblings: a heading at level L closes every open scope with
	// level >= L before it is pushed, so it never becomes a child of an
	// equal-level predecessor.
	type scope struct {
		level int
		id    string
	}
	var headingStack []scope

	parentAndDepth := func() (string, int) {
		if len(headingStack) == 0 {
			return "", 0
		}
		top := headingStack[len(headingStack)-1]
		return top.id, len(headingStack)
	}

	emit := func(k Kind, content string, pos Position, headingLevel int) Block {
		ord := ordinals[k]
		ordinals[k] = ord + 1
		id := MakeID(path, k, ord)
		normalized := hash.Normalize(content)
		parentID, depth := parentAndDepth()
		b := Block{
			ID:           id,
			Kind:         k,
			Content:      normalized,
			ParentID:     parentID,
			Depth:        depth,
			HeadingLevel: headingLevel,
			Position:     offsetPosition(source, pos.StartOffset, pos.EndOffset, bodyOffset),
			ContentHash:  hash.HashBlockContent(normalized),
		}
		note.Blocks = append(note.Blocks, b)
		scanInlineFeatures(note, &note.Blocks[len(note.Blocks)-1], normalized)
		return b
	}

	var walkNode func(n ast.Node)
	walkNode = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch node := c.(type) {
			case *ast.Heading:
				content := plainText(node, source)
				start, end := nodeByteRange(node, source)
				for len(headingStack) > 0 && headingStack[len(headingStack)-1].level >= node.Level {
					headingStack = headingStack[:len(headingStack)-1]
				}
				b := emit(KindHeading, content, Position{StartOffset: start, EndOffset: end}, node.Level)
				headingStack = append(headingStack, scope{level: node.Level, id: b.ID})

			case *ast.Paragraph:
				content := plainText(node, source)
				start, end := nodeByteRange(node, source)
				emit(KindParagraph, content, Position{StartOffset: start, EndOffset: end}, 0)

			case *ast.FencedCodeBlock:
				content := rawLines(node, source)
				start, end := lineRange(node, source)
				lang := string(node.Language(source))
				b := emit(KindCode, content, Position{StartOffset: start, EndOffset: end}, 0)
				note.CodeBlocks = append(note.CodeBlocks, CodeBlock{Language: lang, BlockID: b.ID})

			case *ast.CodeBlock:
				content := rawLines(node, source)
				start, end := lineRange(node, source)
				b := emit(KindCode, content, Position{StartOffset: start, EndOffset: end}, 0)
				note.CodeBlocks = append(note.CodeBlocks, CodeBlock{Language: "", BlockID: b.ID})

			case *ast.ThematicBreak:
				start, end := nodeByteRange(node, source)
				emit(KindRule, "", Position{StartOffset: start, EndOffset: end}, 0)

			case *ast.Blockquote:
				content := plainText(node, source)
				start, end := nodeByteRange(node, source)
				if kind, rest, ok := calloutKind(content); ok {
					b := emit(KindCallout, rest, Position{StartOffset: start, EndOffset: end}, 0)
					note.Callouts = append(note.Callouts, Callout{Kind: kind, BlockID: b.ID})
				} else {
					emit(KindQuote, content, Position{StartOffset: start, EndOffset: end}, 0)
				}

			case *ast.List:
				start, end := nodeByteRange(node, source)
				listBlock := emit(KindList, "", Position{StartOffset: start, EndOffset: end}, 0)
				headingStack = append(headingStack, scope{level: 1 << 30, id: listBlock.ID})
				walkNode(node)
				headingStack = headingStack[:len(headingStack)-1]

			case *ast.ListItem:
				content := plainText(node, source)
				start, end := nodeByteRange(node, source)
				emit(KindListItem, content, Position{StartOffset: start, EndOffset: end}, 0)

			default:
				walkNode(c)
			}
		}
	}
	walkNode(doc)

	return note, nil
}

// scanInlineFeatures extracts wikilinks, tags, and LaTeX spans from a
// block's normalized content and appends them to the note.
func scanInlineFeatures(note *ParsedNote, b *Block, content string) {
	for _, m := range wikilinkPattern.FindAllStringSubmatchIndex(content, -1) {
		target := content[m[2]:m[3]]
		section := ""
		if m[4] != -1 {
			section = content[m[4]:m[5]]
		}
		alias := ""
		if m[6] != -1 {
			alias = content[m[6]:m[7]]
		}
		note.Wikilinks = append(note.Wikilinks, Wikilink{
			Target:   strings.TrimSpace(target),
			Alias:    strings.TrimSpace(alias),
			Section:  strings.TrimSpace(section),
			BlockID:  b.ID,
			Position: m[0],
		})
	}

	for _, m := range tagPattern.FindAllStringSubmatch(content, -1) {
		note.Tags = append(note.Tags, Tag{Name: m[2], BlockID: b.ID})
	}

	for _, m := range latexBlockPat.FindAllStringSubmatch(content, -1) {
		note.Latex = append(note.Latex, LatexSpan{Content: strings.TrimSpace(m[1]), Display: true, BlockID: b.ID})
	}
	withoutBlocks := latexBlockPat.ReplaceAllString(content, "")
	for _, m := range latexInlinePat.FindAllStringSubmatch(withoutBlocks, -1) {
		note.Latex = append(note.Latex, LatexSpan{Content: strings.TrimSpace(m[1]), Display: false, BlockID: b.ID})
	}
}

// calloutKind detects the Obsidian-style `> [!note] Title` marker on the
// first line of blockquote text. It returns the remaining content with the
// marker stripped.
func calloutKind(content string) (kind string, rest string, ok bool) {
	calloutRe := regexp.MustCompile(`(?i)^\[!([a-z]+)\]\s*-?\s*`)
	idx := strings.IndexByte(content, '\n')
	first := content
	remainder := ""
	if idx >= 0 {
		first = content[:idx]
		remainder = content[idx+1:]
	}
	m := calloutRe.FindStringSubmatchIndex(first)
	if m == nil {
		return "", content, false
	}
	kindName := strings.ToLower(first[m[2]:m[3]])
	title := strings.TrimSpace(first[m[1]:])
	rest = strings.TrimSpace(title + "\n" + remainder)
	return kindName, rest, true
}

// splitFrontmatter detects a `---`/`+++`-delimited frontmatter block at the
// very start of the file and decodes it. bodyOffset is the byte offset
// where the remaining body begins, used to compute accurate block
// positions.
func splitFrontmatter(data []byte) (*Frontmatter, []byte, int, error) {
	trimmed := bytes.TrimLeft(data, "\xEF\xBB\xBF")
	bom := len(data) - len(trimmed)

	delims := []struct {
		marker string
		format string
	}{
		{"---\n", "yaml"},
		{"+++\n", "toml"},
	}

	for _, d := range delims {
		if !bytes.HasPrefix(trimmed, []byte(d.marker)) {
			continue
		}
		rest := trimmed[len(d.marker):]
		end := bytes.Index(rest, []byte("\n"+d.marker))
		if end < 0 {
			continue
		}
		raw := rest[:end]
		bodyStart := bom + len(d.marker) + end + len(d.marker) + 1

		fm := &Frontmatter{Format: d.format, Data: map[string]any{}}
		switch d.format {
		case "yaml":
			if err := yaml.Unmarshal(raw, &fm.Data); err != nil {
				return nil, nil, 0, fmt.Errorf("decoding yaml frontmatter: %w", err)
			}
		case "toml":
			if err := toml.Unmarshal(raw, &fm.Data); err != nil {
				return nil, nil, 0, fmt.Errorf("decoding toml frontmatter: %w", err)
			}
		}
		return fm, data[bodyStart:], bodyStart, nil
	}

	return nil, data, 0, nil
}

// plainText concatenates the inline text content under n, inserting a
// newline at every soft/hard line break so multi-line blocks read naturally.
func plainText(n ast.Node, source []byte) string {
	var sb strings.Builder
	var walk func(node ast.Node)
	walk = func(node ast.Node) {
		switch tn := node.(type) {
		case *ast.Text:
			sb.Write(tn.Segment.Value(source))
			if tn.SoftLineBreak() || tn.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(tn.Value)
		default:
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				walk(c)
			}
		}
	}
	walk(n)
	return strings.TrimRight(sb.String(), "\n")
}

// rawLines concatenates a leaf block node's raw source lines (code/HTML
// blocks), preserving original formatting.
func rawLines(n ast.Node, source []byte) string {
	lines := n.Lines()
	var sb strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// nodeByteRange returns the [start, end) byte offsets spanned by the first
// and last descendant text/line segment under n.
func nodeByteRange(n ast.Node, source []byte) (int, int) {
	start, end := -1, -1
	var walk func(node ast.Node)
	walk = func(node ast.Node) {
		if lines := node.Lines(); lines.Len() > 0 {
			first := lines.At(0)
			last := lines.At(lines.Len() - 1)
			if start == -1 || first.Start < start {
				start = first.Start
			}
			if last.Stop > end {
				end = last.Stop
			}
		}
		if tn, ok := node.(*ast.Text); ok {
			seg := tn.Segment
			if start == -1 || seg.Start < start {
				start = seg.Start
			}
			if seg.Stop > end {
				end = seg.Stop
			}
		}
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			walk(c)
		}
	}
	walk(n)
	if start == -1 {
		start, end = 0, 0
	}
	return start, end
}

// lineRange is nodeByteRange specialized for leaf block nodes that store
// their content directly in Lines() rather than inline children.
func lineRange(n ast.Node, source []byte) (int, int) {
	lines := n.Lines()
	if lines.Len() == 0 {
		return 0, 0
	}
	return lines.At(0).Start, lines.At(lines.Len() - 1).Stop
}

// offsetPosition converts byte offsets relative to the post-frontmatter body
// into a Position with absolute file offsets and 1-based line numbers.
func offsetPosition(source []byte, start, end, bodyOffset int) Position {
	return Position{
		StartOffset: start + bodyOffset,
		EndOffset:   end + bodyOffset,
		StartLine:   lineNumberAt(source, start),
		EndLine:     lineNumberAt(source, end),
	}
}

func lineNumberAt(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	return 1 + bytes.Count(source[:offset], []byte("\n"))
}

// FormatMetadataValue renders a frontmatter scalar as a string for property
// storage, used by graphstore when persisting frontmatter properties.
func FormatMetadataValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

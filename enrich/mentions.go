package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/graphstore"
	"github.com/kilnwork/kiln/llm"
)

// mentionExtractionPrompt asks the chat model for a flat list of concepts
// or proper nouns mentioned in a note, used to seed "mentions" relations
// beyond the parser's own wikilink/tag edges.
const mentionExtractionPrompt = `You extract notable concepts mentioned in a personal note.

Given the note body below, list the distinct named concepts, people, projects,
or proper nouns it mentions (not common words). Return a JSON object with
exactly one key:
  "mentions": array of strings, each a normalized (lowercase) concept name

Rules:
- Only include concepts clearly present in the text.
- If there are none, return an empty array.
- Do NOT include any text outside the JSON object.

NOTE BODY:
%s`

type mentionResponse struct {
	Mentions []string `json:"mentions"`
}

// inferMentionRelations asks the chat provider for a list of concepts
// mentioned across the note's blocks and turns each into a "mentions"
// relation targeting a synthetic tag-like entity, recorded with
// source="enrich" so replace_relations can wipe and reinstall them without
// disturbing parser-sourced wikilink/tag edges.
func (e *Enricher) inferMentionRelations(ctx context.Context, note *block.ParsedNote) ([]graphstore.Relation, error) {
	body := bodyText(note)
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	resp, err := e.Chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: fmt.Sprintf(mentionExtractionPrompt, body)}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("enrich: mention extraction chat call: %w", err)
	}

	var parsed mentionResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("enrich: decoding mention extraction response: %w", err)
	}

	relations := make([]graphstore.Relation, 0, len(parsed.Mentions))
	for _, m := range parsed.Mentions {
		name := strings.ToLower(strings.TrimSpace(m))
		if name == "" {
			continue
		}
		relations = append(relations, graphstore.Relation{
			ToID: "concept:" + name, RelType: "mentions", Directed: true, Source: "enrich",
		})
	}
	return relations, nil
}

func bodyText(note *block.ParsedNote) string {
	var b strings.Builder
	for _, blk := range note.Blocks {
		b.WriteString(blk.Content)
		b.WriteString("\n")
	}
	return b.String()
}

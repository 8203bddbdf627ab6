// Package document models the chat-edited markdown document: YAML frontmatter
// plus a body split into addressable blocks. Block ids are what the operation
// state store keys editor block statuses on.
package document

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Frontmatter struct {
	ID     string   `yaml:"id"`
	Title  string   `yaml:"title"`
	Status string   `yaml:"status,omitempty"`
	Tags   []string `yaml:"tags"`
}

// Block is one paragraph-level unit of the document body.
type Block struct {
	ID   string
	Text string
}

type Document struct {
	Frontmatter Frontmatter
	Blocks      []Block
}

// Parse splits a markdown document into frontmatter and blocks. Frontmatter is
// optional; a document without the leading "---" fence is all body.
func Parse(content string) (*Document, error) {
	fmRaw, body := splitFrontmatter(content)

	var fm Frontmatter
	if fmRaw != "" {
		if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
			return nil, fmt.Errorf("invalid frontmatter: %w", err)
		}
	}
	fm.ID = strings.TrimSpace(fm.ID)
	fm.Title = strings.TrimSpace(fm.Title)
	fm.Status = strings.TrimSpace(fm.Status)
	fm.Tags = normalizeTags(fm.Tags)

	doc := &Document{Frontmatter: fm}
	for i, text := range splitBlocks(body) {
		doc.Blocks = append(doc.Blocks, Block{
			ID:   fmt.Sprintf("blk_%d", i+1),
			Text: text,
		})
	}
	return doc, nil
}

// Render writes the document back out as markdown. Frontmatter is emitted only
// when it carries any content.
func (d *Document) Render() (string, error) {
	if d == nil {
		return "", fmt.Errorf("nil document")
	}
	var sb strings.Builder

	if d.Frontmatter.ID != "" || d.Frontmatter.Title != "" || d.Frontmatter.Status != "" || len(d.Frontmatter.Tags) > 0 {
		raw, err := yaml.Marshal(d.Frontmatter)
		if err != nil {
			return "", fmt.Errorf("encode frontmatter: %w", err)
		}
		sb.WriteString("---\n")
		sb.Write(raw)
		sb.WriteString("---\n\n")
	}

	for i, blk := range d.Blocks {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.TrimRight(blk.Text, " \t\n"))
	}
	if len(d.Blocks) > 0 {
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Body returns the block texts joined as plain markdown, without frontmatter.
func (d *Document) Body() string {
	if d == nil {
		return ""
	}
	parts := make([]string, 0, len(d.Blocks))
	for _, blk := range d.Blocks {
		parts = append(parts, blk.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Find returns the block with the given id.
func (d *Document) Find(blockID string) (Block, bool) {
	if d == nil {
		return Block{}, false
	}
	blockID = strings.TrimSpace(blockID)
	for _, blk := range d.Blocks {
		if blk.ID == blockID {
			return blk, true
		}
	}
	return Block{}, false
}

// ReplaceBlock swaps the text of an existing block.
func (d *Document) ReplaceBlock(blockID string, text string) error {
	if d == nil {
		return fmt.Errorf("nil document")
	}
	blockID = strings.TrimSpace(blockID)
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("empty block text")
	}
	for i := range d.Blocks {
		if d.Blocks[i].ID == blockID {
			d.Blocks[i].Text = text
			return nil
		}
	}
	return fmt.Errorf("block %s not found", blockID)
}

// AppendBlock adds a new block at the end and returns its id.
func (d *Document) AppendBlock(text string) (string, error) {
	if d == nil {
		return "", fmt.Errorf("nil document")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty block text")
	}
	id := fmt.Sprintf("blk_%d", nextBlockNumber(d.Blocks))
	d.Blocks = append(d.Blocks, Block{ID: id, Text: text})
	return id, nil
}

// DeleteBlock removes a block. Remaining ids are untouched so in-flight block
// statuses keep pointing at the right blocks.
func (d *Document) DeleteBlock(blockID string) error {
	if d == nil {
		return fmt.Errorf("nil document")
	}
	blockID = strings.TrimSpace(blockID)
	for i := range d.Blocks {
		if d.Blocks[i].ID == blockID {
			d.Blocks = append(d.Blocks[:i], d.Blocks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("block %s not found", blockID)
}

func nextBlockNumber(blocks []Block) int {
	max := 0
	for _, blk := range blocks {
		var n int
		if _, err := fmt.Sscanf(blk.ID, "blk_%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

func splitFrontmatter(content string) (string, string) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return "", normalized
	}
	rest := normalized[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return "", normalized
	}
	return rest[:idx], rest[idx+len("\n---\n"):]
}

// splitBlocks breaks the body on blank lines. Fenced code blocks are kept
// whole even when they contain blank lines.
func splitBlocks(body string) []string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")

	var out []string
	var current []string
	inFence := false

	flush := func() {
		text := strings.TrimSpace(strings.Join(current, "\n"))
		if text != "" {
			out = append(out, text)
		}
		current = current[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			current = append(current, line)
			continue
		}
		if trimmed == "" && !inFence {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return out
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

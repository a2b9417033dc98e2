// Package processor implements core.Processor: a goquery-based HTML
// sanitizer that strips ads/scripts/styles and derives plain-text and
// Markdown renditions plus a discovered-link list, writing all of it into
// a trace's FetchResult.Processed map.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"crawlcore/internal/config"
	"crawlcore/internal/core"
)

// ProcessedContent is the shape written under well-known keys in
// FetchResult.Processed by HTMLProcessor.
type ProcessedContent struct {
	CleanHTML     []byte
	ExtractedText string
	Markdown      string
	Links         []string
}

// HTMLProcessor removes ads and noisy elements and derives textual
// artefacts. It satisfies core.Processor.
type HTMLProcessor struct {
	opts config.PreprocessConfig
}

// NewHTMLProcessor constructs a processor from configuration.
func NewHTMLProcessor(cfg config.PreprocessConfig) *HTMLProcessor {
	return &HTMLProcessor{opts: cfg}
}

// blockTags force a line break in extracted text and a blank line in
// Markdown around their content.
var blockTags = map[string]struct{}{
	"p": {}, "div": {}, "section": {}, "article": {}, "header": {}, "footer": {},
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"li": {}, "table": {}, "tr": {}, "figure": {}, "figcaption": {},
}

// verbatimTags get their start/end tag names stitched back into the
// extracted plain-text stream, so a downstream reader can still tell
// tabular or list structure apart from prose even without the Markdown
// rendition.
var verbatimTags = map[string]struct{}{
	"table": {}, "thead": {}, "tbody": {}, "tfoot": {}, "tr": {}, "th": {}, "td": {},
	"ul": {}, "ol": {}, "li": {},
}

// Process sanitises the fetched body by removing ad selectors and
// unwanted nodes, derives plain-text/Markdown renditions and a link list,
// and stores a *ProcessedContent under result.Processed["content"].
func (p *HTMLProcessor) Process(ctx context.Context, t *core.Trace, result *core.FetchResult) error {
	if result == nil {
		return fmt.Errorf("processor: fetch result is nil")
	}
	if len(result.Content) == 0 {
		return fmt.Errorf("processor: fetch result has no content")
	}
	body := bytes.Join(result.Content, nil)
	if len(body) == 0 {
		return fmt.Errorf("processor: fetch result body empty")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	p.sanitize(doc)
	links := p.extractLinks(doc, t)

	htmlStr, err := doc.Html()
	if err != nil {
		return fmt.Errorf("serialise html: %w", err)
	}
	if p.opts.TrimWhitespace {
		htmlStr = strings.TrimSpace(htmlStr)
	}

	extracted, markdown, err := extractContent(htmlStr)
	if err != nil {
		return err
	}

	if result.Processed == nil {
		result.Processed = make(map[string]any)
	}
	result.Processed["content"] = &ProcessedContent{
		CleanHTML:     []byte(htmlStr),
		ExtractedText: extracted,
		Markdown:      markdown,
		Links:         links,
	}
	return nil
}

// sanitize strips scripts/styles and any ad-matching selectors from doc
// in place, per the processor's PreprocessConfig.
func (p *HTMLProcessor) sanitize(doc *goquery.Document) {
	if p.opts.RemoveScripts {
		doc.Find("script,noscript,iframe").Remove()
	}
	if p.opts.RemoveStyles {
		doc.Find("style,link[rel='stylesheet']").Remove()
	}
	if !p.opts.RemoveAds {
		return
	}

	selectors := p.opts.AdSelectors
	if len(selectors) == 0 {
		selectors = []string{"[class*='ad']", "[id*='ad']", "[class*='sponsor']"}
	}
	for _, cls := range p.opts.ExtraDropClasses {
		selectors = append(selectors, "."+strings.TrimPrefix(cls, "."))
	}
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) { s.Remove() })
	}
}

// extractLinks collects the distinct, non-fragment href targets in doc,
// resolved against t's URL when possible.
func (p *HTMLProcessor) extractLinks(doc *goquery.Document, t *core.Trace) []string {
	if !p.opts.ExtractLinks {
		return nil
	}
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		target := href
		if t != nil && t.URL != nil {
			if resolved, err := t.URL.Parse(href); err == nil {
				target = resolved.String()
			}
		}
		if _, dup := seen[target]; dup {
			return
		}
		seen[target] = struct{}{}
		links = append(links, target)
	})
	return links
}

// listContext tracks the ordered/unordered state and item counter of one
// nesting level of <ul>/<ol>, shared by reference across every <li> at
// that level.
type listContext struct {
	ordered bool
	ordinal int
	depth   int
}

// contentExtractor walks a sanitised document once and builds both the
// plain-text and Markdown renditions side by side, rather than making two
// independent passes over the tree.
type contentExtractor struct {
	text    strings.Builder
	textEnd rune
	textSet bool

	md         strings.Builder
	mdEnd      rune
	mdSet      bool
	mdNewlines int
}

// extractContent parses cleanHTML and renders its extracted text and
// Markdown.
func extractContent(cleanHTML string) (string, string, error) {
	root, err := html.Parse(strings.NewReader(cleanHTML))
	if err != nil {
		return "", "", fmt.Errorf("parse processed html: %w", err)
	}

	c := &contentExtractor{}
	c.walkChildren(locateContentRoot(root), nil, false)

	extracted := collapseBlankLines(strings.TrimSpace(c.text.String()))
	markdown := collapseBlankLines(strings.TrimSpace(c.md.String()))
	return extracted, markdown, nil
}

func locateContentRoot(root *html.Node) *html.Node {
	if root == nil {
		return nil
	}
	if body := firstElementNamed(root, "body"); body != nil {
		return body
	}
	if htmlEl := firstElementNamed(root, "html"); htmlEl != nil {
		return htmlEl
	}
	return root
}

func firstElementNamed(node *html.Node, tag string) *html.Node {
	if node == nil {
		return nil
	}
	if node.Type == html.ElementNode && strings.EqualFold(node.Data, tag) {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := firstElementNamed(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func (c *contentExtractor) emitText(s string) {
	if s == "" {
		return
	}
	c.text.WriteString(s)
	for _, r := range s {
		c.textEnd, c.textSet = r, true
	}
}

func (c *contentExtractor) padText() {
	if c.textSet && c.textEnd != ' ' && c.textEnd != '\n' {
		c.emitText(" ")
	}
}

func (c *contentExtractor) breakText() {
	if c.textSet && c.textEnd == '\n' {
		return
	}
	c.emitText("\n")
}

func (c *contentExtractor) emitMarkdown(s string) {
	if s == "" {
		return
	}
	c.md.WriteString(s)
	for _, r := range s {
		c.mdEnd, c.mdSet = r, true
		if r == '\n' {
			c.mdNewlines++
		} else {
			c.mdNewlines = 0
		}
	}
}

func (c *contentExtractor) mdSpace() {
	if !c.mdSet || c.mdNewlines > 0 || c.mdEnd == ' ' {
		return
	}
	c.emitMarkdown(" ")
}

func (c *contentExtractor) mdLine() {
	if c.mdNewlines < 1 {
		c.emitMarkdown("\n")
	}
}

func (c *contentExtractor) mdParagraph() {
	for c.mdNewlines < 2 {
		c.emitMarkdown("\n")
	}
}

func (c *contentExtractor) walkChildren(node *html.Node, list *listContext, inCode bool) {
	if node == nil {
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		c.visit(child, list, inCode)
	}
}

func (c *contentExtractor) visit(node *html.Node, list *listContext, inCode bool) {
	switch node.Type {
	case html.TextNode:
		c.visitText(node.Data, inCode)
	case html.ElementNode:
		c.visitElement(node, list, inCode)
	}
}

func (c *contentExtractor) visitText(raw string, inCode bool) {
	text := normalizeWhitespace(raw)
	if text == "" {
		return
	}
	c.padText()
	c.emitText(text)
	if !inCode {
		c.mdSpace()
	}
	c.emitMarkdown(text)
}

func (c *contentExtractor) visitElement(node *html.Node, list *listContext, inCode bool) {
	tag := strings.ToLower(node.Data)

	if tag == "br" {
		c.breakText()
		c.emitMarkdown("  \n")
		return
	}

	_, isBlock := blockTags[tag]
	_, isVerbatim := verbatimTags[tag]

	if isBlock {
		c.breakText()
	}
	if isVerbatim {
		c.emitText("<" + tag + ">")
	}

	switch tag {
	case "code":
		// code/table render their Markdown from the node's own subtree
		// directly rather than by recursing through walkChildren, but
		// extracted plain text still needs that subtree walked.
		if text := normalizeWhitespace(collectText(node)); text != "" {
			c.emitMarkdown("`" + text + "`")
		}
		c.walkTextOnly(node)
	case "table":
		c.mdParagraph()
		if rendered := renderTableMarkdown(node); rendered != "" {
			c.emitMarkdown(rendered)
			if c.mdNewlines == 0 {
				c.emitMarkdown("\n")
			}
		}
		c.mdParagraph()
		c.walkTextOnly(node)
	default:
		c.renderMarkdownElement(tag, node, list, inCode)
	}

	if isVerbatim {
		c.emitText("</" + tag + ">")
	}

	switch {
	case tag == "td" || tag == "th":
		c.padText()
	case isBlock:
		c.breakText()
	}
}

// walkTextOnly descends into node's children contributing to the
// extracted-text stream only, for subtrees (code/table) whose Markdown is
// rendered directly from the node rather than by recursing.
func (c *contentExtractor) walkTextOnly(node *html.Node) {
	if node == nil {
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		c.visitTextOnly(child)
	}
}

func (c *contentExtractor) visitTextOnly(node *html.Node) {
	switch node.Type {
	case html.TextNode:
		if text := normalizeWhitespace(node.Data); text != "" {
			c.padText()
			c.emitText(text)
		}
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if tag == "br" {
			c.breakText()
			return
		}
		_, isBlock := blockTags[tag]
		_, isVerbatim := verbatimTags[tag]
		if isBlock {
			c.breakText()
		}
		if isVerbatim {
			c.emitText("<" + tag + ">")
		}
		c.walkTextOnly(node)
		if isVerbatim {
			c.emitText("</" + tag + ">")
		}
		switch {
		case tag == "td" || tag == "th":
			c.padText()
		case isBlock:
			c.breakText()
		}
	}
}

// renderMarkdownElement recurses into node's children (dispatching them
// back through visit/visitElement) while wrapping them in whatever
// Markdown syntax tag calls for. code/table are handled by visitElement
// directly and never reach here.
func (c *contentExtractor) renderMarkdownElement(tag string, node *html.Node, list *listContext, inCode bool) {
	switch tag {
	case "p", "div", "section", "article", "header", "footer":
		c.mdParagraph()
		c.walkChildren(node, list, inCode)
		c.mdParagraph()
	case "h1", "h2", "h3", "h4", "h5", "h6":
		c.mdParagraph()
		c.emitMarkdown(strings.Repeat("#", headingLevel(tag)) + " ")
		c.walkChildren(node, list, inCode)
		c.mdParagraph()
	case "strong", "b":
		c.emitMarkdown("**")
		c.walkChildren(node, list, inCode)
		c.emitMarkdown("**")
	case "em", "i":
		c.emitMarkdown("_")
		c.walkChildren(node, list, inCode)
		c.emitMarkdown("_")
	case "pre":
		c.mdParagraph()
		c.emitMarkdown("```\n")
		c.walkChildren(node, list, true)
		if c.mdNewlines == 0 {
			c.emitMarkdown("\n")
		}
		c.emitMarkdown("```\n")
		c.mdNewlines = 1
	case "a":
		c.renderLink(node)
	case "ul", "ol":
		depth := 1
		if list != nil {
			depth = list.depth + 1
		}
		child := &listContext{ordered: tag == "ol", depth: depth}
		c.mdParagraph()
		c.walkChildren(node, child, inCode)
		c.mdParagraph()
	case "li":
		c.renderListItem(node, list, inCode)
	case "table":
		c.mdParagraph()
		if rendered := renderTableMarkdown(node); rendered != "" {
			c.emitMarkdown(rendered)
			if c.mdNewlines == 0 {
				c.emitMarkdown("\n")
			}
		}
		c.mdParagraph()
	default:
		c.walkChildren(node, list, inCode)
	}
}

func (c *contentExtractor) renderLink(node *html.Node) {
	href := attr(node, "href")
	text := normalizeWhitespace(collectText(node))
	if text == "" {
		text = href
	}
	if text == "" {
		return
	}
	if href == "" {
		c.emitMarkdown(text)
		return
	}
	c.emitMarkdown("[" + text + "](" + href + ")")
}

func (c *contentExtractor) renderListItem(node *html.Node, list *listContext, inCode bool) {
	item := list
	if item == nil {
		item = &listContext{depth: 1}
	}
	item.ordinal++

	c.mdLine()
	marker := "- "
	if item.ordered {
		marker = fmt.Sprintf("%d. ", item.ordinal)
	}
	c.emitMarkdown(strings.Repeat("  ", item.depth-1) + marker)
	c.walkChildren(node, list, inCode)
	c.mdLine()
}

func headingLevel(tag string) int {
	level := int(tag[1] - '0')
	switch {
	case level < 1:
		return 1
	case level > 6:
		return 6
	default:
		return level
	}
}

type tableRow struct {
	cells  []string
	header bool
}

func renderTableMarkdown(table *html.Node) string {
	rows := extractTableRows(table)
	if len(rows) == 0 {
		return ""
	}

	headerIdx := 0
	hasHeader := false
	for i, row := range rows {
		if row.header {
			headerIdx = i
			hasHeader = true
			break
		}
	}
	if !hasHeader {
		rows[0].header = true
	}

	cols := len(rows[headerIdx].cells)
	if cols == 0 {
		return ""
	}

	var b strings.Builder
	writeTableRow(&b, rows[headerIdx].cells, cols)
	writeTableRow(&b, dividerCells(cols), cols)
	for i, row := range rows {
		if i == headerIdx {
			continue
		}
		writeTableRow(&b, row.cells, cols)
	}
	return b.String()
}

func dividerCells(cols int) []string {
	cells := make([]string, cols)
	for i := range cells {
		cells[i] = "---"
	}
	return cells
}

func writeTableRow(b *strings.Builder, cells []string, cols int) {
	b.WriteString("| ")
	for i := 0; i < cols; i++ {
		if i > 0 {
			b.WriteString(" | ")
		}
		if i < len(cells) {
			b.WriteString(cells[i])
		}
	}
	b.WriteString(" |\n")
}

func extractTableRows(table *html.Node) []tableRow {
	var rows []tableRow
	var walk func(*html.Node, bool)
	walk = func(n *html.Node, header bool) {
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != html.ElementNode {
				continue
			}
			switch strings.ToLower(child.Data) {
			case "thead":
				walk(child, true)
			case "tbody", "tfoot":
				walk(child, header)
			case "tr":
				if row := extractTableRow(child, header); len(row.cells) > 0 {
					rows = append(rows, row)
				}
			default:
				walk(child, header)
			}
		}
	}
	walk(table, false)
	return rows
}

func extractTableRow(tr *html.Node, header bool) tableRow {
	row := tableRow{header: header}
	for cell := tr.FirstChild; cell != nil; cell = cell.NextSibling {
		if cell.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(cell.Data)
		if tag != "td" && tag != "th" {
			continue
		}
		if tag == "th" {
			row.header = true
		}
		row.cells = append(row.cells, normalizeWhitespace(collectText(cell)))
	}
	return row
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			result = append(result, "")
			continue
		}
		blank = 0
		result = append(result, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func collectText(node *html.Node) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if text := normalizeWhitespace(n.Data); text != "" {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(text)
			}
		case html.ElementNode:
			for child := n.FirstChild; child != nil; child = child.NextSibling {
				walk(child)
			}
		}
	}
	walk(node)
	return b.String()
}

func attr(node *html.Node, name string) string {
	for _, a := range node.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

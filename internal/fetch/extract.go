package fetch

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// noise is removed before the content container is chosen.
const noise = "nav, footer, header, aside, script, style, noscript, form, iframe, svg, " +
	".ad, .ads, .advertisement, .sidebar, .cookie-banner, .popup, .share, .related"

// blockTags start a new block of text.
const blockTags = "h1, h2, h3, h4, h5, h6, p, li, ul, ol, pre, blockquote, table, tr, td, th, " +
	"dl, dt, dd, figcaption, section, article, div, main"

// ContentSelectors lists the containers that usually hold a page's main text,
// most specific first.
var ContentSelectors = []string{
	".post-content",
	".entry-content",
	".article-body",
	".markdown-body",
	"[role='main']",
	"main",
	"article",
	".content",
	"#content",
	".main-content",
	"#main-content",
}

// Page is the readable part of an HTML document.
type Page struct {
	Title string
	Text  string
}

// Parse extracts the title and main text of html. The content container is the
// first match of ContentSelectors, falling back to <body>; extraNoise selectors
// are removed along with the built-in noise.
func Parse(html string, extraNoise ...string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	title := pageTitle(doc)
	if len(extraNoise) > 0 {
		doc.Find(strings.Join(extraNoise, ", ")).Remove()
	}
	return &Page{Title: title, Text: mainText(doc, ContentSelectors)}, nil
}

func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return collapse(doc.Find("h1").First().Text())
}

func mainText(doc *goquery.Document, selectors []string) string {
	doc.Find(noise).Remove()

	var root *goquery.Selection
	for _, sel := range selectors {
		if s := doc.Find(sel); s.Length() > 0 {
			root = s.First()
			break
		}
	}
	if root == nil {
		root = doc.Find("body")
	}

	var r renderer
	r.walk(root)
	return r.String()
}

type block struct {
	text string
	item bool
}

// renderer flattens a DOM subtree into blocks. Headings keep their Markdown
// level and list items become "- " lines.
type renderer struct {
	blocks []block
}

func (r *renderer) add(text string, item bool) {
	if text = collapse(text); text == "" {
		return
	}
	if item {
		text = "- " + text
	}
	r.blocks = append(r.blocks, block{text: text, item: item})
}

func (r *renderer) walk(sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch name {
		case "#comment":
		case "#text":
			r.add(s.Text(), false)
		case "h1", "h2", "h3", "h4", "h5", "h6":
			if text := collapse(s.Text()); text != "" {
				r.blocks = append(r.blocks, block{text: strings.Repeat("#", int(name[1]-'0')) + " " + text})
			}
		case "li":
			own := s.Clone()
			own.Find("ul, ol").Remove()
			r.add(own.Text(), true)
			s.ChildrenFiltered("ul, ol").Each(func(_ int, nested *goquery.Selection) { r.walk(nested) })
		case "br", "hr", "img":
		default:
			if s.Find(blockTags).Length() == 0 {
				r.add(s.Text(), false)
				return
			}
			r.walk(s)
		}
	})
}

// String joins blocks with blank lines, keeping consecutive list items together.
func (r *renderer) String() string {
	var sb strings.Builder
	for i, b := range r.blocks {
		if i > 0 {
			if b.item && r.blocks[i-1].item {
				sb.WriteString("\n")
			} else {
				sb.WriteString("\n\n")
			}
		}
		sb.WriteString(b.text)
	}
	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package expressions

import (
	"fmt"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

type node interface{}

type textNode struct{ text string }

type exprNode struct {
	src  string
	expr evaluable // nil when the body failed to parse; renders empty
}

type ifBranch struct {
	cond evaluable // nil when the condition failed to parse; never taken
	body []node
}

type ifNode struct {
	branches []ifBranch
	elseBody []node
}

type actionKind int

const (
	actExpr actionKind = iota
	actIf
	actElseIf
	actElse
	actEnd
)

// segment is one lexed piece of a template: literal text or a {{ }} action.
type segment struct {
	text   string // literal text, or the raw action including braces
	body   string // trimmed action body
	action bool
	offset int
	kind   actionKind
}

// tree is a parsed template plus the problems found while parsing.
type tree struct {
	nodes  []node
	issues *schema.ValidationResult
}

func issuePath(offset int) string { return fmt.Sprintf("@%d", offset) }

// lex splits src into text and action segments. An opening "{{" with no
// closing "}}" is kept as literal text.
func lex(src string, issues *schema.ValidationResult) []segment {
	var segs []segment
	i := 0
	for i < len(src) {
		open := strings.Index(src[i:], "{{")
		if open < 0 {
			segs = append(segs, textSegment(src[i:], i, issues))
			break
		}
		if open > 0 {
			segs = append(segs, textSegment(src[i:i+open], i, issues))
		}
		start := i + open
		end := findClose(src, start+2)
		if end < 0 {
			issues.AddError(issuePath(start), schema.IssueUnmatchedBraces, "'{{' is never closed")
			segs = append(segs, segment{text: src[start:], offset: start})
			break
		}
		body := strings.TrimSpace(src[start+2 : end])
		seg := segment{text: src[start : end+2], body: body, action: true, offset: start}
		seg.kind, seg.body = classify(body)
		segs = append(segs, seg)
		i = end + 2
	}
	return segs
}

func textSegment(text string, offset int, issues *schema.ValidationResult) segment {
	if idx := strings.Index(text, "}}"); idx >= 0 {
		issues.AddError(issuePath(offset+idx), schema.IssueUnmatchedBraces, "'}}' without matching '{{'")
	}
	return segment{text: text, offset: offset}
}

// findClose returns the index of the "}}" closing an action opened before
// from, skipping quoted strings.
func findClose(src string, from int) int {
	var quote byte
	for i := from; i < len(src)-1; i++ {
		c := src[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '}' && src[i+1] == '}':
			return i
		}
	}
	return -1
}

func classify(body string) (actionKind, string) {
	switch {
	case body == "/if":
		return actEnd, ""
	case body == "else":
		return actElse, ""
	case strings.HasPrefix(body, "else if ") || strings.HasPrefix(body, "else #if "):
		rest := strings.TrimPrefix(strings.TrimPrefix(body, "else "), "#")
		return actElseIf, strings.TrimSpace(strings.TrimPrefix(rest, "if"))
	case body == "#if" || strings.HasPrefix(body, "#if ") || strings.HasPrefix(body, "#if("):
		return actIf, strings.TrimSpace(strings.TrimPrefix(body, "#if"))
	}
	return actExpr, body
}

type treeParser struct {
	segs   []segment
	pos    int
	issues *schema.ValidationResult
}

func parseTemplate(src string) *tree {
	issues := &schema.ValidationResult{}
	p := &treeParser{segs: lex(src, issues), issues: issues}
	nodes, _ := p.parseList(false)
	return &tree{nodes: nodes, issues: issues}
}

// parseList parses nodes until EOF or, inside a block, until an else,
// else-if or /if segment, which is returned without being consumed.
func (p *treeParser) parseList(inBlock bool) ([]node, *segment) {
	var nodes []node
	for p.pos < len(p.segs) {
		seg := &p.segs[p.pos]
		if !seg.action {
			nodes = append(nodes, textNode{seg.text})
			p.pos++
			continue
		}
		switch seg.kind {
		case actExpr:
			p.pos++
			nodes = append(nodes, p.exprNode(seg))
		case actIf:
			p.pos++
			nodes = append(nodes, p.parseIf(seg))
		default:
			if inBlock {
				return nodes, seg
			}
			p.issues.AddError(issuePath(seg.offset), schema.IssueUnexpectedClose,
				fmt.Sprintf("%q without an open {{#if}}", seg.text))
			nodes = append(nodes, textNode{seg.text})
			p.pos++
		}
	}
	return nodes, nil
}

func (p *treeParser) parseIf(open *segment) node {
	n := &ifNode{}
	cond := p.condition(open)
	for {
		body, stop := p.parseList(true)
		n.branches = append(n.branches, ifBranch{cond: cond, body: body})
		if stop == nil {
			p.issues.AddError(issuePath(open.offset), schema.IssueUnclosedBlock, "{{#if}} is never closed with {{/if}}")
			return n
		}
		p.pos++
		switch stop.kind {
		case actEnd:
			return n
		case actElseIf:
			cond = p.condition(stop)
		case actElse:
			elseBody, end := p.parseList(true)
			n.elseBody = elseBody
			if end == nil {
				p.issues.AddError(issuePath(open.offset), schema.IssueUnclosedBlock, "{{#if}} is never closed with {{/if}}")
				return n
			}
			p.pos++
			if end.kind != actEnd {
				p.issues.AddError(issuePath(end.offset), schema.IssueUnexpectedClose,
					fmt.Sprintf("%q after {{else}}", end.text))
				p.skipToEnd()
			}
			return n
		}
	}
}

// skipToEnd discards segments up to and including the /if that closes the
// current block.
func (p *treeParser) skipToEnd() {
	depth := 0
	for p.pos < len(p.segs) {
		seg := p.segs[p.pos]
		p.pos++
		if !seg.action {
			continue
		}
		switch seg.kind {
		case actIf:
			depth++
		case actEnd:
			if depth == 0 {
				return
			}
			depth--
		}
	}
}

func (p *treeParser) condition(seg *segment) evaluable {
	if seg.body == "" {
		p.issues.AddError(issuePath(seg.offset), schema.IssueEmptyExpression, "{{#if}} has no condition")
		return nil
	}
	cond, err := parseExpression(seg.body)
	if err != nil {
		p.issues.AddError(issuePath(seg.offset), schema.IssueCondition,
			fmt.Sprintf("invalid condition %q: %s", seg.body, err.Error()))
		return nil
	}
	return cond
}

func (p *treeParser) exprNode(seg *segment) node {
	if seg.body == "" {
		p.issues.AddError(issuePath(seg.offset), schema.IssueEmptyExpression, "empty expression '{{ }}'")
		return exprNode{}
	}
	expr, err := parseExpression(seg.body)
	if err != nil {
		p.issues.AddError(issuePath(seg.offset), schema.IssueCondition,
			fmt.Sprintf("invalid expression %q: %s", seg.body, err.Error()))
		return exprNode{src: seg.body}
	}
	return exprNode{src: seg.body, expr: expr}
}

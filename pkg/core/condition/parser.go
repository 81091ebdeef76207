package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse 解析文本形式的条件表达式
//
//	quantity < reorderLevel AND (status == "active" OR priority >= 3)
//	category IN ["laptop", "monitor"]
//	NOT EXISTS assignee
//
// 比较运算的右侧可以是字面量，也可以是另一个字段名
func Parse(expr string) (*Condition, error) {
	tokens, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("位置 %d: 多余的内容 %q", tok.pos, tok.text)
	}
	return cond, cond.Validate()
}

// MustParse 解析失败时panic，仅用于内置定义
func MustParse(expr string) *Condition {
	c, err := Parse(expr)
	if err != nil {
		panic(fmt.Sprintf("condition: %v", err))
	}
	return c
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
		case r == ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case r == '"' || r == '\'':
			start := i
			i++
			var b strings.Builder
			for i < len(runes) && runes[i] != r {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				b.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("位置 %d: 字符串未闭合", start)
			}
			i++
			tokens = append(tokens, token{tokString, b.String(), start})
		case strings.ContainsRune("=!<>&|", r):
			start := i
			i++
			if i < len(runes) && strings.ContainsRune("=&|", runes[i]) {
				i++
			}
			text := string(runes[start:i])
			switch text {
			case "=", "==", "!=", "<", "<=", ">", ">=", "&&", "||", "!":
			default:
				return nil, fmt.Errorf("位置 %d: 未知运算符 %q", start, text)
			}
			tokens = append(tokens, token{tokOp, text, start})
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			i++
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, string(runes[start:i]), start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokIdent, string(runes[start:i]), start})
		default:
			return nil, fmt.Errorf("位置 %d: 非法字符 %q", i, r)
		}
	}
	return append(tokens, token{kind: tokEOF, pos: len(runes)}), nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) keyword(words ...string) bool {
	tok := p.peek()
	for _, w := range words {
		if (tok.kind == tokIdent && strings.EqualFold(tok.text, w)) || (tok.kind == tokOp && tok.text == w) {
			p.pos++
			return true
		}
	}
	return false
}

func (p *parser) parseOr() (*Condition, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	conds := []*Condition{first}
	for p.keyword("OR", "||") {
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		conds = append(conds, next)
	}
	if len(conds) == 1 {
		return first, nil
	}
	return Or(conds...), nil
}

func (p *parser) parseAnd() (*Condition, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	conds := []*Condition{first}
	for p.keyword("AND", "&&") {
		next, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		conds = append(conds, next)
	}
	if len(conds) == 1 {
		return first, nil
	}
	return And(conds...), nil
}

func (p *parser) parseUnary() (*Condition, error) {
	if p.keyword("NOT", "!") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if tok := p.next(); tok.kind != tokRParen {
			return nil, fmt.Errorf("位置 %d: 缺少右括号", tok.pos)
		}
		return inner, nil
	}
	if p.keyword("EXISTS") {
		tok := p.next()
		if tok.kind != tokIdent {
			return nil, fmt.Errorf("位置 %d: EXISTS 后需要字段名", tok.pos)
		}
		return &Condition{Op: OpExists, Field: tok.text}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (*Condition, error) {
	fieldTok := p.next()
	if fieldTok.kind != tokIdent {
		return nil, fmt.Errorf("位置 %d: 需要字段名，得到 %q", fieldTok.pos, fieldTok.text)
	}
	field := fieldTok.text

	if p.keyword("IN") {
		values, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return &Condition{Op: OpIn, Field: field, Value: values}, nil
	}
	if p.keyword("CONTAINS") {
		return p.parseRight(field, OpContains)
	}

	opTok := p.next()
	if opTok.kind != tokOp {
		return nil, fmt.Errorf("位置 %d: 字段 %s 后需要比较运算符", opTok.pos, field)
	}
	var op Op
	switch opTok.text {
	case "=", "==":
		op = OpEq
	case "!=":
		op = OpNe
	case "<":
		op = OpLt
	case "<=":
		op = OpLte
	case ">":
		op = OpGt
	case ">=":
		op = OpGte
	default:
		return nil, fmt.Errorf("位置 %d: %q 不是比较运算符", opTok.pos, opTok.text)
	}
	return p.parseRight(field, op)
}

func (p *parser) parseRight(field string, op Op) (*Condition, error) {
	tok := p.peek()
	if tok.kind == tokIdent && !isLiteralKeyword(tok.text) {
		p.next()
		return CompareFields(field, op, tok.text), nil
	}
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return Compare(field, op, value), nil
}

func (p *parser) parseList() ([]any, error) {
	if tok := p.next(); tok.kind != tokLBracket {
		return nil, fmt.Errorf("位置 %d: IN 后需要 [", tok.pos)
	}
	var values []any
	if p.peek().kind == tokRBracket {
		p.next()
		return values, nil
	}
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		tok := p.next()
		if tok.kind == tokRBracket {
			return values, nil
		}
		if tok.kind != tokComma {
			return nil, fmt.Errorf("位置 %d: 列表中需要逗号或 ]", tok.pos)
		}
	}
}

func (p *parser) parseLiteral() (any, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return tok.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("位置 %d: 非法数字 %q", tok.pos, tok.text)
		}
		return f, nil
	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
	}
	return nil, fmt.Errorf("位置 %d: 需要字面量，得到 %q", tok.pos, tok.text)
}

func isLiteralKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "null":
		return true
	default:
		return false
	}
}

// String 将条件渲染回文本形式
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	switch c.Op {
	case OpAnd, OpOr:
		parts := make([]string, len(c.Conditions))
		for i, sub := range c.Conditions {
			s := sub.String()
			if sub.Op == OpAnd || sub.Op == OpOr {
				s = "(" + s + ")"
			}
			parts[i] = s
		}
		return strings.Join(parts, " "+strings.ToUpper(string(c.Op))+" ")
	case OpNot:
		if len(c.Conditions) == 1 {
			return "NOT (" + c.Conditions[0].String() + ")"
		}
		return "NOT ()"
	case OpExists:
		return "EXISTS " + c.Field
	}

	right := formatLiteral(c.Value)
	if c.ValueField != "" {
		right = c.ValueField
	}
	symbols := map[Op]string{
		OpEq: "==", OpNe: "!=", OpLt: "<", OpLte: "<=", OpGt: ">", OpGte: ">=",
		OpIn: "IN", OpContains: "CONTAINS",
	}
	return fmt.Sprintf("%s %s %s", c.Field, symbols[c.Op], right)
}

func formatLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = formatLiteral(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(x)
	}
}

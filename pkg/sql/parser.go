package sql

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parser is a recursive-descent, precedence-climbing parser over a Lexer's
// token stream.
type Parser struct {
	lex  *Lexer
	cur  Lexeme
	peek Lexeme
}

// Parse parses a single SELECT statement (optionally chained with UNION /
// INTERSECT / EXCEPT) from src.
func Parse(src string) (*SelectStatement, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.init(); err != nil {
		return nil, err
	}
	stmt, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if p.cur.Token == SEMICOLON {
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	if p.cur.Token != EOF {
		return nil, fmt.Errorf("sql: parser: unexpected trailing token %q", p.cur.Text)
	}
	return stmt, nil
}

func (p *Parser) init() error {
	var err error
	if p.cur, err = p.lex.Next(); err != nil {
		return err
	}
	if p.peek, err = p.lex.Next(); err != nil {
		return err
	}
	return nil
}

func (p *Parser) next() error {
	p.cur = p.peek
	var err error
	p.peek, err = p.lex.Next()
	return err
}

func (p *Parser) expect(t Token) (Lexeme, error) {
	if p.cur.Token != t {
		return Lexeme{}, fmt.Errorf("sql: parser: expected %s, got %q", t, p.cur.Text)
	}
	l := p.cur
	return l, p.next()
}

func (p *Parser) parseSelect() (*SelectStatement, error) {
	if _, err := p.expect(SELECT); err != nil {
		return nil, err
	}

	stmt := &SelectStatement{}
	if p.cur.Token == DISTINCT || p.cur.Token == ALL {
		if err := p.next(); err != nil {
			return nil, err
		}
	}

	items, err := p.parseSelectList()
	if err != nil {
		return nil, err
	}
	stmt.Projections = items

	if _, err := p.expect(FROM); err != nil {
		return nil, err
	}
	table, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	stmt.From = table

	for p.cur.Token == JOIN || p.cur.Token == INNER || p.cur.Token == LEFT ||
		p.cur.Token == RIGHT || p.cur.Token == FULL {
		jc, err := p.parseJoin()
		if err != nil {
			return nil, err
		}
		stmt.Joins = append(stmt.Joins, jc)
	}

	if p.cur.Token == WHERE {
		if err := p.next(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = expr
	}

	if p.cur.Token == GROUP {
		if err := p.next(); err != nil {
			return nil, err
		}
		if _, err := p.expect(BY); err != nil {
			return nil, err
		}
		list, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		stmt.GroupBy = list
	}

	if p.cur.Token == HAVING {
		if err := p.next(); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Having = expr
	}

	if p.cur.Token == ORDER {
		if err := p.next(); err != nil {
			return nil, err
		}
		if _, err := p.expect(BY); err != nil {
			return nil, err
		}
		items, err := p.parseOrderList()
		if err != nil {
			return nil, err
		}
		stmt.OrderBy = items
	}

	if p.cur.Token == LIMIT {
		if err := p.next(); err != nil {
			return nil, err
		}
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		stmt.Limit = &n
	}

	if p.cur.Token == OFFSET {
		if err := p.next(); err != nil {
			return nil, err
		}
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		stmt.Offset = &n
	}

	if p.cur.Token == UNION || p.cur.Token == INTERSECT || p.cur.Token == EXCEPT {
		kind := SetOpUnion
		switch p.cur.Token {
		case INTERSECT:
			kind = SetOpIntersect
		case EXCEPT:
			kind = SetOpExcept
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		all := false
		if p.cur.Token == ALL {
			all = true
			if err := p.next(); err != nil {
				return nil, err
			}
		}
		right, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		stmt.SetOp = &SetOperation{Kind: kind, All: all, Right: right}
	}

	return stmt, nil
}

func (p *Parser) parseIntLiteral() (int, error) {
	if p.cur.Token != NUMBER {
		return 0, fmt.Errorf("sql: parser: expected integer literal, got %q", p.cur.Text)
	}
	n, err := strconv.Atoi(p.cur.Text)
	if err != nil {
		return 0, fmt.Errorf("sql: parser: invalid integer literal %q: %w", p.cur.Text, err)
	}
	return n, p.next()
}

func (p *Parser) parseSelectList() ([]SelectItem, error) {
	var items []SelectItem
	for {
		if p.cur.Token == STAR {
			items = append(items, SelectItem{Star: true})
			if err := p.next(); err != nil {
				return nil, err
			}
		} else {
			expr, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			alias := ""
			if p.cur.Token == AS {
				if err := p.next(); err != nil {
					return nil, err
				}
				name, err := p.expect(IDENT)
				if err != nil {
					return nil, err
				}
				alias = name.Text
			} else if p.cur.Token == IDENT {
				alias = p.cur.Text
				if err := p.next(); err != nil {
					return nil, err
				}
			}
			items = append(items, SelectItem{Expr: expr, Alias: alias})
		}
		if p.cur.Token != COMMA {
			break
		}
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (p *Parser) parseExprList() ([]Expr, error) {
	var list []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if p.cur.Token != COMMA {
			break
		}
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (p *Parser) parseOrderList() ([]OrderItem, error) {
	var items []OrderItem
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		desc := false
		if p.cur.Token == ASC {
			if err := p.next(); err != nil {
				return nil, err
			}
		} else if p.cur.Token == DESC {
			desc = true
			if err := p.next(); err != nil {
				return nil, err
			}
		}
		items = append(items, OrderItem{Expr: e, Desc: desc})
		if p.cur.Token != COMMA {
			break
		}
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// parseTableRef recognizes a plain table name or a TUMBLE/HOP table
// function, per spec.md §4.10's windowing semantics.
func (p *Parser) parseTableRef() (TableRef, error) {
	if p.cur.Token == IDENT && (strings.EqualFold(p.cur.Text, "tumble") || strings.EqualFold(p.cur.Text, "hop")) {
		return p.parseWindowTable()
	}

	name, err := p.expect(IDENT)
	if err != nil {
		return TableRef{}, err
	}
	ref := TableRef{Name: name.Text}
	ref.Alias, err = p.parseOptionalAlias()
	if err != nil {
		return TableRef{}, err
	}
	return ref, nil
}

func (p *Parser) parseOptionalAlias() (string, error) {
	if p.cur.Token == AS {
		if err := p.next(); err != nil {
			return "", err
		}
		id, err := p.expect(IDENT)
		if err != nil {
			return "", err
		}
		return id.Text, nil
	}
	if p.cur.Token == IDENT {
		id := p.cur.Text
		if err := p.next(); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", nil
}

func (p *Parser) parseWindowTable() (TableRef, error) {
	isHop := strings.EqualFold(p.cur.Text, "hop")
	if err := p.next(); err != nil {
		return TableRef{}, err
	}
	if _, err := p.expect(LPAREN); err != nil {
		return TableRef{}, err
	}
	table, err := p.expect(IDENT)
	if err != nil {
		return TableRef{}, err
	}
	if _, err := p.expect(COMMA); err != nil {
		return TableRef{}, err
	}
	col, err := p.expect(IDENT)
	if err != nil {
		return TableRef{}, err
	}

	spec := &WindowSpec{TimeColumn: col.Text}
	if isHop {
		spec.Kind = WindowHop
		if _, err := p.expect(COMMA); err != nil {
			return TableRef{}, err
		}
		hop, err := p.expect(STRING)
		if err != nil {
			return TableRef{}, err
		}
		spec.Hop, err = parseIntervalLiteral(hop.Text)
		if err != nil {
			return TableRef{}, err
		}
	} else {
		spec.Kind = WindowTumble
	}
	if _, err := p.expect(COMMA); err != nil {
		return TableRef{}, err
	}
	size, err := p.expect(STRING)
	if err != nil {
		return TableRef{}, err
	}
	spec.Size, err = parseIntervalLiteral(size.Text)
	if err != nil {
		return TableRef{}, err
	}
	if _, err := p.expect(RPAREN); err != nil {
		return TableRef{}, err
	}

	ref := TableRef{Name: table.Text, Window: spec}
	ref.Alias, err = p.parseOptionalAlias()
	if err != nil {
		return TableRef{}, err
	}
	return ref, nil
}

// parseIntervalLiteral parses a duration literal like "10 seconds" or
// "5m"; it accepts anything time.ParseDuration accepts, plus a
// space-separated "<n> <unit>" form for readability in SQL text.
func parseIntervalLiteral(text string) (time.Duration, error) {
	if d, err := time.ParseDuration(strings.ReplaceAll(text, " ", "")); err == nil {
		return d, nil
	}
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return 0, fmt.Errorf("sql: parser: invalid interval literal %q", text)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("sql: parser: invalid interval literal %q: %w", text, err)
	}
	unit := strings.ToLower(strings.TrimSuffix(fields[1], "s"))
	var base time.Duration
	switch unit {
	case "second":
		base = time.Second
	case "minute":
		base = time.Minute
	case "hour":
		base = time.Hour
	case "day":
		base = 24 * time.Hour
	case "millisecond":
		base = time.Millisecond
	default:
		return 0, fmt.Errorf("sql: parser: unknown interval unit %q", fields[1])
	}
	return time.Duration(n) * base, nil
}

func (p *Parser) parseJoin() (JoinClause, error) {
	kind := JoinInner
	switch p.cur.Token {
	case INNER:
		if err := p.next(); err != nil {
			return JoinClause{}, err
		}
	case LEFT:
		kind = JoinLeft
		if err := p.next(); err != nil {
			return JoinClause{}, err
		}
		if p.cur.Token == OUTER {
			if err := p.next(); err != nil {
				return JoinClause{}, err
			}
		}
	case RIGHT:
		kind = JoinRight
		if err := p.next(); err != nil {
			return JoinClause{}, err
		}
		if p.cur.Token == OUTER {
			if err := p.next(); err != nil {
				return JoinClause{}, err
			}
		}
	case FULL:
		kind = JoinFull
		if err := p.next(); err != nil {
			return JoinClause{}, err
		}
		if p.cur.Token == OUTER {
			if err := p.next(); err != nil {
				return JoinClause{}, err
			}
		}
	}
	if _, err := p.expect(JOIN); err != nil {
		return JoinClause{}, err
	}
	table, err := p.parseTableRef()
	if err != nil {
		return JoinClause{}, err
	}
	if _, err := p.expect(ON); err != nil {
		return JoinClause{}, err
	}
	on, err := p.parseExpr()
	if err != nil {
		return JoinClause{}, err
	}
	return JoinClause{Kind: kind, Table: table, On: on}, nil
}

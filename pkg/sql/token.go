// Package sql compiles a restricted SELECT dialect (spec.md §4.10: the
// documented operator set only, never arbitrary SQL) to a linear pipeline
// of dag.ProcessorNode operators.
//
// The lexer's keyword-table shape is grounded on
// other_examples/freeeve-machparse's token package (a single init-built
// map plus a LookupIdent fast path); the operator semantics are grounded
// on original_source/dozer-sql's Rust pipeline (selection's old/new-pass
// truth table, aggregation's running sum+count state, the join processor's
// per-branch multimap).
package sql

import "fmt"

// Token identifies one lexical token kind.
type Token int

const (
	EOF Token = iota
	IDENT
	NUMBER
	STRING

	// Punctuation
	COMMA
	LPAREN
	RPAREN
	DOT
	STAR
	SEMICOLON

	// Operators
	PLUS
	MINUS
	SLASH
	PERCENT
	EQ
	NEQ
	LT
	LTE
	GT
	GTE

	// Keywords
	SELECT
	FROM
	WHERE
	AND
	OR
	NOT
	IN
	LIKE
	IS
	NULL
	TRUE
	FALSE
	AS
	DISTINCT
	JOIN
	INNER
	LEFT
	RIGHT
	FULL
	OUTER
	ON
	GROUP
	BY
	HAVING
	ORDER
	ASC
	DESC
	LIMIT
	OFFSET
	UNION
	INTERSECT
	EXCEPT
	ALL
	CASE
	WHEN
	THEN
	ELSE
	END
	CAST
	BETWEEN
)

var tokenNames = map[Token]string{
	EOF: "EOF", IDENT: "IDENT", NUMBER: "NUMBER", STRING: "STRING",
	COMMA: ",", LPAREN: "(", RPAREN: ")", DOT: ".", STAR: "*", SEMICOLON: ";",
	PLUS: "+", MINUS: "-", SLASH: "/", PERCENT: "%",
	EQ: "=", NEQ: "<>", LT: "<", LTE: "<=", GT: ">", GTE: ">=",
	SELECT: "SELECT", FROM: "FROM", WHERE: "WHERE", AND: "AND", OR: "OR", NOT: "NOT",
	IN: "IN", LIKE: "LIKE", IS: "IS", NULL: "NULL", TRUE: "TRUE", FALSE: "FALSE",
	AS: "AS", DISTINCT: "DISTINCT", JOIN: "JOIN", INNER: "INNER", LEFT: "LEFT",
	RIGHT: "RIGHT", FULL: "FULL", OUTER: "OUTER", ON: "ON", GROUP: "GROUP", BY: "BY",
	HAVING: "HAVING", ORDER: "ORDER", ASC: "ASC", DESC: "DESC", LIMIT: "LIMIT",
	OFFSET: "OFFSET", UNION: "UNION", INTERSECT: "INTERSECT", EXCEPT: "EXCEPT",
	ALL: "ALL", CASE: "CASE", WHEN: "WHEN", THEN: "THEN", ELSE: "ELSE", END: "END",
	CAST: "CAST", BETWEEN: "BETWEEN",
}

func (t Token) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(t))
}

var keywords map[string]Token

func init() {
	keywords = map[string]Token{
		"select": SELECT, "from": FROM, "where": WHERE, "and": AND, "or": OR,
		"not": NOT, "in": IN, "like": LIKE, "is": IS, "null": NULL,
		"true": TRUE, "false": FALSE, "as": AS, "distinct": DISTINCT,
		"join": JOIN, "inner": INNER, "left": LEFT, "right": RIGHT, "full": FULL,
		"outer": OUTER, "on": ON, "group": GROUP, "by": BY, "having": HAVING,
		"order": ORDER, "asc": ASC, "desc": DESC, "limit": LIMIT, "offset": OFFSET,
		"union": UNION, "intersect": INTERSECT, "except": EXCEPT, "all": ALL,
		"case": CASE, "when": WHEN, "then": THEN, "else": ELSE, "end": END,
		"cast": CAST, "between": BETWEEN,
	}
}

// lookupIdent returns the keyword token for a lowercase identifier, or
// IDENT if ident is not a keyword.
func lookupIdent(ident string) Token {
	if tok, ok := keywords[ident]; ok {
		return tok
	}
	return IDENT
}

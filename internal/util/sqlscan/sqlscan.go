// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package sqlscan implements a deliberately narrow, non-parsing
// scanner over user-supplied SELECT statements. The engine never
// parses SQL: it only needs to (a) find the base tables named in a
// top-level FROM/JOIN clause, so the rewriter and trigger installer
// know which tables to watch, and (b) splice extra expressions into
// the top-level SELECT list, so the rewriter can append identity and
// revision columns. Both operations are done with a small token
// scanner that tracks parenthesis depth and quoting, not a grammar.
// Any query shape the scanner cannot confidently handle is reported as
// an error rather than guessed at.
package sqlscan

import (
	"strings"

	"github.com/pkg/errors"
)

// TableRef is one base-table reference discovered in a top-level
// FROM or JOIN clause.
type TableRef struct {
	// Schema is the explicit schema qualifier, or "" if the query did
	// not qualify the table name (callers apply a default search_path
	// entry in that case).
	Schema string
	// Table is the bare table name.
	Table string
	// Alias is the name the query uses to refer to this source
	// elsewhere (in the SELECT list, ON clauses, WHERE, ...). If the
	// query gave no explicit alias, Alias equals Table.
	Alias string
}

var errUnsupported = errors.New("sqlscan: query shape not supported")

// token is one lexical unit together with the paren depth it was
// found at. Depth 0 is top level, relative to the start of the
// statement being scanned.
type token struct {
	text  string
	depth int
}

// tokenize splits sql into whitespace/punctuation-delimited tokens,
// tracking parenthesis depth and treating single- and double-quoted
// spans as opaque. Dollar-quoted strings are not recognised and are
// tokenized like ordinary text. It is intentionally crude: it knows
// just enough punctuation to find FROM/JOIN/ON/WHERE/comma boundaries
// and parenthesized subqueries, nothing more.
func tokenize(sql string) []token {
	var toks []token
	depth := 0
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			toks = append(toks, token{text: buf.String(), depth: depth})
			buf.Reset()
		}
	}

	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' || r == '"':
			flush()
			quote := r
			start := i
			i++
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				i++
			}
			toks = append(toks, token{text: string(runes[start : i+1]), depth: depth})
		case r == '(':
			flush()
			toks = append(toks, token{text: "(", depth: depth})
			depth++
		case r == ')':
			flush()
			depth--
			toks = append(toks, token{text: ")", depth: depth})
		case r == ',':
			flush()
			toks = append(toks, token{text: ",", depth: depth})
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	return toks
}

// keyword boundaries that end a source list at the current depth.
var sourceListEnders = map[string]bool{
	"where": true, "group": true, "order": true, "limit": true,
	"offset": true, "having": true, "window": true, "union": true,
	"intersect": true, "except": true, "for": true, "fetch": true,
}

var joinWords = map[string]bool{
	"join": true,
}

// FindSources scans the top-level FROM clause of a single SELECT
// statement and returns every base table it references, in the order
// they appear. Subqueries (parenthesized, depth > 0) are not
// descended into: only tables the outermost query itself reads from
// are reported, since those are the only tables whose changes can
// affect the outermost result set directly through this FROM clause.
//
// FindSources returns an error if it cannot find a top-level FROM
// clause, or if a source it cannot classify (a derived table, a
// function call, a lateral join, ...) appears where a table name was
// expected — rewriting such a query is out of scope for the identity
// rewriter.
func FindSources(sql string) ([]TableRef, error) {
	toks := tokenize(sql)

	fromIdx := -1
	for i, t := range toks {
		if t.depth == 0 && strings.EqualFold(t.text, "from") {
			fromIdx = i
			break
		}
	}
	if fromIdx == -1 {
		return nil, errors.WithStack(errUnsupported)
	}

	var refs []TableRef
	i := fromIdx + 1
	for i < len(toks) {
		t := toks[i]
		if t.depth == 0 && sourceListEnders[strings.ToLower(t.text)] {
			break
		}
		if t.depth == 0 && strings.EqualFold(t.text, "on") {
			// Skip the join condition entirely; it may contain
			// parenthesized expressions but no further sources of its
			// own that belong to this FROM clause.
			i++
			for i < len(toks) {
				lt := strings.ToLower(toks[i].text)
				if toks[i].depth == 0 && (joinWords[lt] || lt == "," || sourceListEnders[lt]) {
					break
				}
				i++
			}
			continue
		}
		if t.depth == 0 && (t.text == "," || joinWords[strings.ToLower(t.text)]) {
			i++
			continue
		}
		if t.depth != 0 {
			// A parenthesized derived table/subquery where a bare name
			// was expected; the scanner declines to guess at its shape.
			return nil, errors.WithStack(errUnsupported)
		}

		ref, consumed, err := scanOneSource(toks, i)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
		i += consumed
	}

	if len(refs) == 0 {
		return nil, errors.WithStack(errUnsupported)
	}
	return refs, nil
}

// scanOneSource reads "[schema.]table [[AS] alias]" starting at i and
// returns the parsed reference plus the number of tokens consumed.
func scanOneSource(toks []token, i int) (TableRef, int, error) {
	name := toks[i].text
	if isKeyword(name) {
		return TableRef{}, 0, errors.WithStack(errUnsupported)
	}

	var schema, table string
	consumed := 1
	if strings.Contains(name, ".") {
		parts := strings.SplitN(name, ".", 2)
		schema, table = parts[0], parts[1]
	} else {
		table = name
	}

	alias := table
	if i+1 < len(toks) && toks[i+1].depth == 0 && strings.EqualFold(toks[i+1].text, "as") {
		if i+2 >= len(toks) || isKeyword(toks[i+2].text) {
			return TableRef{}, 0, errors.WithStack(errUnsupported)
		}
		alias = toks[i+2].text
		consumed = 3
	} else if i+1 < len(toks) && toks[i+1].depth == 0 && !isKeyword(toks[i+1].text) &&
		toks[i+1].text != "," && toks[i+1].text != "(" {
		alias = toks[i+1].text
		consumed = 2
	}

	return TableRef{Schema: schema, Table: table, Alias: alias}, consumed, nil
}

var reservedWords = map[string]bool{
	"where": true, "group": true, "order": true, "limit": true, "offset": true,
	"having": true, "window": true, "union": true, "intersect": true,
	"except": true, "for": true, "fetch": true, "join": true, "on": true,
	"inner": true, "outer": true, "left": true, "right": true, "full": true,
	"cross": true, "lateral": true, "natural": true, "using": true,
}

func isKeyword(s string) bool { return reservedWords[strings.ToLower(s)] }

// SpliceSelectList inserts exprs, comma-joined, immediately after the
// top-level SELECT (and an optional DISTINCT/ALL) keyword, so they
// become additional leading columns of the statement's result. This
// is how the identity rewriter adds its __id__/__rev__ expressions
// without needing to understand anything else about the query's
// existing select list.
func SpliceSelectList(sql string, exprs []string) (string, error) {
	if len(exprs) == 0 {
		return sql, nil
	}
	toks := tokenize(sql)

	selectIdx := -1
	for i, t := range toks {
		if t.depth == 0 && strings.EqualFold(t.text, "select") {
			selectIdx = i
			break
		}
	}
	if selectIdx == -1 {
		return "", errors.WithStack(errUnsupported)
	}

	insertAt := selectIdx + 1
	if insertAt < len(toks) {
		lt := strings.ToLower(toks[insertAt].text)
		if lt == "distinct" || lt == "all" {
			insertAt++
		}
	}

	// Re-render using byte offsets rather than the token stream, so
	// that whitespace and original formatting outside the insertion
	// point is preserved verbatim; tokens don't carry source offsets,
	// so splice is done with a fresh scan for the insertion keyword's
	// end position instead.
	return spliceAfterKeyword(sql, insertAt == selectIdx+2, exprs)
}

// spliceAfterKeyword re-scans sql for the first top-level SELECT
// (optionally followed by DISTINCT/ALL, per skipDistinct) and inserts
// " expr, expr, ...," immediately after it.
func spliceAfterKeyword(sql string, skipDistinct bool, exprs []string) (string, error) {
	lower := strings.ToLower(sql)
	idx := indexTopLevelWord(lower, "select")
	if idx == -1 {
		return "", errors.WithStack(errUnsupported)
	}
	insertPos := idx + len("select")

	if skipDistinct {
		rest := lower[insertPos:]
		trimmed := strings.TrimLeft(rest, " \t\r\n")
		skipped := len(rest) - len(trimmed)
		var word string
		for _, w := range []string{"distinct", "all"} {
			if strings.HasPrefix(trimmed, w) {
				word = w
				break
			}
		}
		if word != "" {
			insertPos += skipped + len(word)
		}
	}

	joined := " " + strings.Join(exprs, ", ") + ","
	return sql[:insertPos] + joined + sql[insertPos:], nil
}

// indexTopLevelWord finds the byte offset of the first occurrence of
// word as a whole token at paren depth 0 in lower (which must already
// be lower-cased). Returns -1 if not found.
func indexTopLevelWord(lower, word string) int {
	depth := 0
	n := len(lower)
	wl := len(word)
	for i := 0; i < n; i++ {
		switch lower[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth != 0 {
			continue
		}
		if i+wl <= n && lower[i:i+wl] == word {
			before := byte(' ')
			if i > 0 {
				before = lower[i-1]
			}
			after := byte(' ')
			if i+wl < n {
				after = lower[i+wl]
			}
			if !isIdentByte(before) && !isIdentByte(after) {
				return i
			}
		}
	}
	return -1
}

func isIdentByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

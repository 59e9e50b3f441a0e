package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// GraphQuery executes a read-only graph query against one knowledge base.
// The language is a small Cypher subset:
//
//	MATCH (a:Person {name: $n})-[:KNOWS]->(b:Person)
//	WHERE b.city = 'London'
//	RETURN a.name AS who, b
//	LIMIT 20
//
// Every node pattern is implicitly constrained to the target kb_id; a query
// can never read across knowledge bases. Write clauses (CREATE, MERGE, SET,
// DELETE, REMOVE, DROP, DETACH) are rejected outright.
func (s *Store) GraphQuery(ctx context.Context, kbID, query string, params map[string]any) ([]map[string]any, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GraphQuery")
	defer timer.Stop()

	ast, err := parseGraphQuery(query)
	if err != nil {
		return nil, err
	}

	sqlText, args, plan, err := ast.compile(kbID, params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: graph query failed: %v", types.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		scan := make([]any, len(plan.columns))
		for i := range scan {
			scan[i] = new(any)
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("%w: scan result row: %v", types.ErrStoreUnavailable, err)
		}
		results = append(results, plan.assemble(scan))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate results: %v", types.ErrStoreUnavailable, err)
	}

	logging.RetrievalDebug("GraphQuery KB %s returned %d rows", kbID, len(results))
	return results, nil
}

// ---- AST ----

type valueRef struct {
	param   string // "$name" reference, empty for literals
	literal any
}

type propMatch struct {
	name  string
	value valueRef
}

type nodePat struct {
	variable string
	label    string
	props    []propMatch
}

type relPat struct {
	typ      string
	reversed bool
}

type patternPath struct {
	nodes []nodePat
	rels  []relPat
}

type condition struct {
	variable string
	prop     string
	value    valueRef
}

type returnItem struct {
	variable string
	prop     string
	alias    string
}

type graphQueryAST struct {
	paths   []patternPath
	where   []condition
	returns []returnItem
	limit   int
}

// ---- lexer ----

type tokenKind int

const (
	tkIdent tokenKind = iota
	tkParam
	tkString
	tkNumber
	tkPunct
)

type token struct {
	kind tokenKind
	text string
}

var writeKeywords = map[string]bool{
	"CREATE": true, "MERGE": true, "DELETE": true, "DETACH": true,
	"SET": true, "REMOVE": true, "DROP": true,
}

func lexGraphQuery(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'' || c == '"':
			quote := input[i]
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("%w: unterminated string literal", types.ErrQueryInvalid)
			}
			toks = append(toks, token{tkString, input[i+1 : j]})
			i = j + 1
		case c == '$':
			j := i + 1
			for j < len(input) && isIdentRune(rune(input[j])) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("%w: empty parameter reference", types.ErrQueryInvalid)
			}
			toks = append(toks, token{tkParam, input[i+1 : j]})
			i = j
		case unicode.IsDigit(c):
			j := i
			for j < len(input) && (unicode.IsDigit(rune(input[j])) || input[j] == '.') {
				j++
			}
			toks = append(toks, token{tkNumber, input[i:j]})
			i = j
		case isIdentRune(c):
			j := i
			for j < len(input) && isIdentRune(rune(input[j])) {
				j++
			}
			toks = append(toks, token{tkIdent, input[i:j]})
			i = j
		case c == '-' && i+1 < len(input) && input[i+1] == '>':
			toks = append(toks, token{tkPunct, "->"})
			i += 2
		case c == '<' && i+1 < len(input) && input[i+1] == '-':
			toks = append(toks, token{tkPunct, "<-"})
			i += 2
		case strings.ContainsRune("()[]{},:.=-", c):
			toks = append(toks, token{tkPunct, string(c)})
			i++
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", types.ErrQueryInvalid, c)
		}
	}
	return toks, nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// ---- parser ----

type queryParser struct {
	toks []token
	pos  int
	anon int
}

func parseGraphQuery(query string) (*graphQueryAST, error) {
	toks, err := lexGraphQuery(query)
	if err != nil {
		return nil, err
	}
	for _, t := range toks {
		if t.kind == tkIdent && writeKeywords[strings.ToUpper(t.text)] {
			return nil, fmt.Errorf("%w: %s is not permitted", types.ErrQueryNotReadOnly, strings.ToUpper(t.text))
		}
	}

	p := &queryParser{toks: toks}
	ast := &graphQueryAST{}

	if !p.acceptKeyword("MATCH") {
		return nil, fmt.Errorf("%w: query must begin with MATCH", types.ErrQueryInvalid)
	}
	for {
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		ast.paths = append(ast.paths, *path)
		if !p.acceptPunct(",") {
			break
		}
	}

	if p.acceptKeyword("WHERE") {
		for {
			cond, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			ast.where = append(ast.where, *cond)
			if !p.acceptKeyword("AND") {
				break
			}
		}
	}

	if !p.acceptKeyword("RETURN") {
		return nil, fmt.Errorf("%w: missing RETURN clause", types.ErrQueryInvalid)
	}
	for {
		item, err := p.parseReturnItem()
		if err != nil {
			return nil, err
		}
		ast.returns = append(ast.returns, *item)
		if !p.acceptPunct(",") {
			break
		}
	}

	if p.acceptKeyword("LIMIT") {
		t, ok := p.next()
		if !ok || t.kind != tkNumber {
			return nil, fmt.Errorf("%w: LIMIT requires an integer", types.ErrQueryInvalid)
		}
		n, err := strconv.Atoi(t.text)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: LIMIT requires a positive integer", types.ErrQueryInvalid)
		}
		ast.limit = n
	}

	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("%w: unexpected trailing input near %q", types.ErrQueryInvalid, p.toks[p.pos].text)
	}
	return ast, nil
}

func (p *queryParser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *queryParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *queryParser) acceptKeyword(kw string) bool {
	if t, ok := p.peek(); ok && t.kind == tkIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *queryParser) acceptPunct(text string) bool {
	if t, ok := p.peek(); ok && t.kind == tkPunct && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *queryParser) expectPunct(text string) error {
	if !p.acceptPunct(text) {
		return fmt.Errorf("%w: expected %q", types.ErrQueryInvalid, text)
	}
	return nil
}

func (p *queryParser) parsePath() (*patternPath, error) {
	path := &patternPath{}
	node, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	path.nodes = append(path.nodes, *node)

	for {
		t, ok := p.peek()
		if !ok || t.kind != tkPunct || (t.text != "-" && t.text != "<-") {
			break
		}
		rel, err := p.parseRel()
		if err != nil {
			return nil, err
		}
		next, err := p.parseNode()
		if err != nil {
			return nil, err
		}
		path.rels = append(path.rels, *rel)
		path.nodes = append(path.nodes, *next)
	}
	return path, nil
}

func (p *queryParser) parseNode() (*nodePat, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	node := &nodePat{}

	if t, ok := p.peek(); ok && t.kind == tkIdent {
		node.variable = t.text
		p.pos++
	}
	if p.acceptPunct(":") {
		t, ok := p.next()
		if !ok || t.kind != tkIdent {
			return nil, fmt.Errorf("%w: expected label after ':'", types.ErrQueryInvalid)
		}
		node.label = t.text
	}
	if p.acceptPunct("{") {
		for {
			name, ok := p.next()
			if !ok || name.kind != tkIdent {
				return nil, fmt.Errorf("%w: expected property name", types.ErrQueryInvalid)
			}
			if err := p.expectPunct(":"); err != nil {
				return nil, err
			}
			val, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			node.props = append(node.props, propMatch{name: name.text, value: *val})
			if !p.acceptPunct(",") {
				break
			}
		}
		if err := p.expectPunct("}"); err != nil {
			return nil, err
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}

	if node.variable == "" {
		node.variable = fmt.Sprintf("_anon%d", p.anon)
		p.anon++
	}
	return node, nil
}

// parseRel handles -[:TYPE]-> and <-[:TYPE]- forms.
func (p *queryParser) parseRel() (*relPat, error) {
	rel := &relPat{}
	switch {
	case p.acceptPunct("<-"):
		rel.reversed = true
	case p.acceptPunct("-"):
	default:
		return nil, fmt.Errorf("%w: expected relationship", types.ErrQueryInvalid)
	}

	if err := p.expectPunct("["); err != nil {
		return nil, err
	}
	// Optional relationship variable; it is accepted but not bindable.
	if t, ok := p.peek(); ok && t.kind == tkIdent {
		p.pos++
	}
	if p.acceptPunct(":") {
		t, ok := p.next()
		if !ok || t.kind != tkIdent {
			return nil, fmt.Errorf("%w: expected relationship type after ':'", types.ErrQueryInvalid)
		}
		rel.typ = t.text
	}
	if err := p.expectPunct("]"); err != nil {
		return nil, err
	}

	if rel.reversed {
		if err := p.expectPunct("-"); err != nil {
			return nil, err
		}
	} else {
		if err := p.expectPunct("->"); err != nil {
			return nil, err
		}
	}
	return rel, nil
}

func (p *queryParser) parseValue() (*valueRef, error) {
	t, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("%w: expected value", types.ErrQueryInvalid)
	}
	switch t.kind {
	case tkParam:
		return &valueRef{param: t.text}, nil
	case tkString:
		return &valueRef{literal: t.text}, nil
	case tkNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed number %q", types.ErrQueryInvalid, t.text)
		}
		return &valueRef{literal: n}, nil
	case tkIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &valueRef{literal: true}, nil
		case "false":
			return &valueRef{literal: false}, nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected value %q", types.ErrQueryInvalid, t.text)
}

func (p *queryParser) parseCondition() (*condition, error) {
	v, ok := p.next()
	if !ok || v.kind != tkIdent {
		return nil, fmt.Errorf("%w: expected variable in WHERE", types.ErrQueryInvalid)
	}
	if err := p.expectPunct("."); err != nil {
		return nil, err
	}
	prop, ok := p.next()
	if !ok || prop.kind != tkIdent {
		return nil, fmt.Errorf("%w: expected property in WHERE", types.ErrQueryInvalid)
	}
	if err := p.expectPunct("="); err != nil {
		return nil, err
	}
	val, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return &condition{variable: v.text, prop: prop.text, value: *val}, nil
}

func (p *queryParser) parseReturnItem() (*returnItem, error) {
	v, ok := p.next()
	if !ok || v.kind != tkIdent {
		return nil, fmt.Errorf("%w: expected variable in RETURN", types.ErrQueryInvalid)
	}
	item := &returnItem{variable: v.text}
	if p.acceptPunct(".") {
		prop, ok := p.next()
		if !ok || prop.kind != tkIdent {
			return nil, fmt.Errorf("%w: expected property in RETURN", types.ErrQueryInvalid)
		}
		item.prop = prop.text
	}
	if p.acceptKeyword("AS") {
		alias, ok := p.next()
		if !ok || alias.kind != tkIdent {
			return nil, fmt.Errorf("%w: expected alias after AS", types.ErrQueryInvalid)
		}
		item.alias = alias.text
	}
	if item.alias == "" {
		item.alias = item.variable
		if item.prop != "" {
			item.alias = item.variable + "." + item.prop
		}
	}
	return item, nil
}

// ---- compiler ----

const defaultQueryLimit = 100

// resultColumn maps one SQL select column to its place in the result row.
type resultColumn struct {
	alias string
	// node column layout when whole = true: id, label, key_prop, key_value, props
	whole bool
	part  int
}

type queryPlan struct {
	columns []resultColumn
}

// compile lowers the AST to a SQL join over nodes and edges. Each variable
// becomes a nodes alias carrying a kb_id constraint; each relationship an
// edges alias likewise.
func (ast *graphQueryAST) compile(kbID string, params map[string]any) (string, []any, *queryPlan, error) {
	aliases := map[string]string{} // variable -> SQL alias
	labels := map[string]string{}  // variable -> declared label
	var order []string             // variables in first-seen order
	var wheres []string
	var args []any

	bind := func(v valueRef) (any, error) {
		if v.param != "" {
			val, ok := params[v.param]
			if !ok {
				return nil, fmt.Errorf("%w: missing parameter $%s", types.ErrQueryInvalid, v.param)
			}
			return val, nil
		}
		return v.literal, nil
	}

	ensureVar := func(n nodePat) (string, error) {
		alias, seen := aliases[n.variable]
		if !seen {
			alias = fmt.Sprintf("n%d", len(order))
			aliases[n.variable] = alias
			order = append(order, n.variable)
			wheres = append(wheres, alias+".kb_id = ?")
			args = append(args, kbID)
		}
		if n.label != "" {
			if prev, ok := labels[n.variable]; ok && prev != n.label {
				return "", fmt.Errorf("%w: variable %s bound to labels %s and %s",
					types.ErrQueryInvalid, n.variable, prev, n.label)
			}
			if _, ok := labels[n.variable]; !ok {
				labels[n.variable] = n.label
				wheres = append(wheres, alias+".label = ?")
				args = append(args, n.label)
			}
		}
		for _, pm := range n.props {
			val, err := bind(pm.value)
			if err != nil {
				return "", err
			}
			wheres = append(wheres, fmt.Sprintf("json_extract(%s.props, '$.%s') = ?", alias, pm.name))
			args = append(args, val)
		}
		return alias, nil
	}

	edgeCount := 0
	var edgeJoins []string
	for _, path := range ast.paths {
		prevAlias, err := ensureVar(path.nodes[0])
		if err != nil {
			return "", nil, nil, err
		}
		for i, rel := range path.rels {
			nextAlias, err := ensureVar(path.nodes[i+1])
			if err != nil {
				return "", nil, nil, err
			}
			ea := fmt.Sprintf("e%d", edgeCount)
			edgeCount++
			edgeJoins = append(edgeJoins, "edges "+ea)
			wheres = append(wheres, ea+".kb_id = ?")
			args = append(args, kbID)
			if rel.typ != "" {
				wheres = append(wheres, ea+".type = ?")
				args = append(args, rel.typ)
			}
			from, to := prevAlias, nextAlias
			if rel.reversed {
				from, to = to, from
			}
			wheres = append(wheres, ea+".from_node = "+from+".id")
			wheres = append(wheres, ea+".to_node = "+to+".id")
			prevAlias = nextAlias
		}
	}

	for _, cond := range ast.where {
		alias, ok := aliases[cond.variable]
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: unknown variable %s in WHERE", types.ErrQueryInvalid, cond.variable)
		}
		val, err := bind(cond.value)
		if err != nil {
			return "", nil, nil, err
		}
		wheres = append(wheres, fmt.Sprintf("json_extract(%s.props, '$.%s') = ?", alias, cond.prop))
		args = append(args, val)
	}

	plan := &queryPlan{}
	var selects []string
	for _, item := range ast.returns {
		alias, ok := aliases[item.variable]
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: unknown variable %s in RETURN", types.ErrQueryInvalid, item.variable)
		}
		if item.prop == "" {
			selects = append(selects,
				alias+".id", alias+".label", alias+".key_prop", alias+".key_value", alias+".props")
			plan.columns = append(plan.columns,
				resultColumn{alias: item.alias, whole: true, part: 0},
				resultColumn{alias: item.alias, whole: true, part: 1},
				resultColumn{alias: item.alias, whole: true, part: 2},
				resultColumn{alias: item.alias, whole: true, part: 3},
				resultColumn{alias: item.alias, whole: true, part: 4})
		} else {
			selects = append(selects, fmt.Sprintf("json_extract(%s.props, '$.%s')", alias, item.prop))
			plan.columns = append(plan.columns, resultColumn{alias: item.alias})
		}
	}

	var tables []string
	for i := range order {
		tables = append(tables, fmt.Sprintf("nodes n%d", i))
	}
	tables = append(tables, edgeJoins...)

	limit := ast.limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM ")
	b.WriteString(strings.Join(tables, ", "))
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(wheres, " AND "))
	b.WriteString(" ORDER BY ")
	b.WriteString("n0.id")
	b.WriteString(fmt.Sprintf(" LIMIT %d", limit))

	return b.String(), args, plan, nil
}

// assemble turns one scanned SQL row into a result map keyed by alias.
func (p *queryPlan) assemble(scan []any) map[string]any {
	row := make(map[string]any)
	i := 0
	for i < len(p.columns) {
		col := p.columns[i]
		if !col.whole {
			row[col.alias] = normalizeSQLValue(*(scan[i].(*any)))
			i++
			continue
		}
		node := map[string]any{
			"id":        normalizeSQLValue(*(scan[i].(*any))),
			"label":     normalizeSQLValue(*(scan[i+1].(*any))),
			"key_prop":  normalizeSQLValue(*(scan[i+2].(*any))),
			"key_value": normalizeSQLValue(*(scan[i+3].(*any))),
		}
		if propsJSON, ok := normalizeSQLValue(*(scan[i+4].(*any))).(string); ok && propsJSON != "" {
			var props map[string]any
			if json.Unmarshal([]byte(propsJSON), &props) == nil {
				node["props"] = props
			}
		}
		row[col.alias] = node
		i += 5
	}
	return row
}

// normalizeSQLValue converts driver-specific scan results to plain Go types.
func normalizeSQLValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

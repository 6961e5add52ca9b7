package postgres

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/siamtech/querygate/agent"
)

// Safety-gate rule identifiers. They label the sql_rejected metric and
// the gate feedback fed to the generator re-prompt.
const (
	RuleUnbalancedQuote  = "unbalanced_quote"
	RuleMultiStatement   = "multi_statement"
	RuleWriteKeyword     = "write_keyword"
	RuleNoSelect         = "no_select"
	RuleForbiddenSchema  = "forbidden_schema"
	RuleBareLiteral      = "bare_literal"
	RulePlaceholderBound = "placeholder_mismatch"
)

// writeKeywords are rejected anywhere outside string literals.
var writeKeywords = map[string]struct{}{
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "DROP": {}, "TRUNCATE": {},
	"ALTER": {}, "CREATE": {}, "GRANT": {}, "REVOKE": {}, "COPY": {},
	"CALL": {}, "DO": {}, "VACUUM": {}, "ANALYZE": {}, "LOCK": {},
}

var systemSchemas = map[string]struct{}{
	"pg_catalog":         {},
	"information_schema": {},
}

// Violation is one safety-gate rejection: the rule that fired, the
// error code it maps to, and a short detail safe to feed back to the
// model. Hard violations are dangerous content that must surface as a
// safety refusal; soft ones are malformed generations worth a
// clarification instead.
type Violation struct {
	Rule   string
	Code   agent.Code
	Detail string
	Hard   bool
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Rule, v.Detail)
}

// Vet runs the full safety gate over one generated statement. On
// success it returns the table names the statement reads from.
func Vet(sqlText string, params []any, allowedSchemas map[string]struct{}) ([]string, *Violation) {
	tokens, err := tokenize(sqlText)
	if err != nil {
		return nil, &Violation{Rule: RuleUnbalancedQuote, Code: agent.CodeSQLRejected, Detail: err.Error()}
	}

	// A trailing semicolon is harmless; anything after one is not.
	for len(tokens) > 0 && tokens[len(tokens)-1].kind == tokenSemicolon {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return nil, &Violation{Rule: RuleNoSelect, Code: agent.CodeSQLRejected, Detail: "empty statement"}
	}
	for _, tok := range tokens {
		if tok.kind == tokenSemicolon {
			return nil, &Violation{
				Rule: RuleMultiStatement, Code: agent.CodeDisallowedStatement, Hard: true,
				Detail: "only a single statement is allowed",
			}
		}
	}

	for _, tok := range tokens {
		if tok.kind != tokenWord {
			continue
		}
		upper := strings.ToUpper(tok.text)
		if _, bad := writeKeywords[upper]; bad {
			return nil, &Violation{
				Rule: RuleWriteKeyword, Code: agent.CodeDisallowedStatement, Hard: true,
				Detail: fmt.Sprintf("%s is not allowed in a read-only query", upper),
			}
		}
	}

	first := tokens[0]
	if first.kind != tokenWord ||
		(!strings.EqualFold(first.text, "SELECT") && !strings.EqualFold(first.text, "WITH")) {
		return nil, &Violation{Rule: RuleNoSelect, Code: agent.CodeSQLRejected, Detail: "the statement must start with SELECT or WITH"}
	}
	if !hasWord(tokens, "SELECT") {
		return nil, &Violation{Rule: RuleNoSelect, Code: agent.CodeSQLRejected, Detail: "the statement contains no SELECT"}
	}

	tables, violation := tableRefs(tokens, allowedSchemas)
	if violation != nil {
		return nil, violation
	}
	if v := checkPlaceholders(tokens, len(params)); v != nil {
		return nil, v
	}
	if v := checkBareLiterals(tokens); v != nil {
		return nil, v
	}
	return tables, nil
}

// clauseStops end a FROM-list item, so an identifier matching one is a
// keyword rather than a table alias.
var clauseStops = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "LIMIT": {}, "OFFSET": {}, "HAVING": {},
	"ON": {}, "USING": {}, "JOIN": {}, "LEFT": {}, "RIGHT": {}, "INNER": {}, "OUTER": {},
	"FULL": {}, "CROSS": {}, "LATERAL": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"WINDOW": {}, "FETCH": {}, "FOR": {}, "AND": {}, "OR": {},
}

// tableRefs walks FROM and JOIN positions collecting referenced tables
// and enforcing the schema allow-list there. Column qualifiers are
// aliases and carry no schema meaning, so only FROM/JOIN sites are
// checked.
func tableRefs(tokens []token, allowed map[string]struct{}) ([]string, *Violation) {
	var tables []string
	seen := make(map[string]struct{})
	add := func(name string) {
		lower := strings.ToLower(name)
		if _, dup := seen[lower]; dup {
			return
		}
		seen[lower] = struct{}{}
		tables = append(tables, lower)
	}

	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if tok.kind != tokenWord {
			i++
			continue
		}
		upper := strings.ToUpper(tok.text)
		if upper != "FROM" && upper != "JOIN" {
			i++
			continue
		}

		j := i + 1
		for {
			for j < len(tokens) && tokens[j].kind == tokenWord {
				u := strings.ToUpper(tokens[j].text)
				if u == "LATERAL" || u == "ONLY" {
					j++
					continue
				}
				break
			}
			if j >= len(tokens) {
				break
			}
			if tokens[j].kind == tokenPunct && tokens[j].text == "(" {
				// subquery; its inner FROM is scanned on its own
				break
			}
			if tokens[j].kind != tokenWord && tokens[j].kind != tokenQuotedIdent {
				break
			}

			name := identText(tokens[j])
			qualifier := ""
			j++
			if j+1 < len(tokens) && tokens[j].kind == tokenPunct && tokens[j].text == "." &&
				(tokens[j+1].kind == tokenWord || tokens[j+1].kind == tokenQuotedIdent) {
				qualifier = name
				name = identText(tokens[j+1])
				j += 2
			}

			if j < len(tokens) && tokens[j].kind == tokenPunct && tokens[j].text == "(" {
				// set-returning function, not a table
			} else {
				if v := checkSchema(qualifier, name, allowed); v != nil {
					return nil, v
				}
				add(name)
			}

			if j < len(tokens) && tokens[j].kind == tokenWord && strings.EqualFold(tokens[j].text, "AS") {
				j++
			}
			if j < len(tokens) && (tokens[j].kind == tokenWord || tokens[j].kind == tokenQuotedIdent) {
				if _, stop := clauseStops[strings.ToUpper(tokens[j].text)]; !stop {
					j++ // alias
				}
			}
			if j < len(tokens) && tokens[j].kind == tokenPunct && tokens[j].text == "," {
				j++
				continue
			}
			break
		}
		i = j
	}
	return tables, nil
}

func checkSchema(qualifier, table string, allowed map[string]struct{}) *Violation {
	if q := strings.ToLower(qualifier); q != "" {
		if _, sys := systemSchemas[q]; sys {
			return &Violation{
				Rule: RuleForbiddenSchema, Code: agent.CodeForbiddenSchema, Hard: true,
				Detail: fmt.Sprintf("schema %s is not queryable", q),
			}
		}
		if len(allowed) > 0 {
			if _, ok := allowed[q]; !ok {
				return &Violation{
					Rule: RuleForbiddenSchema, Code: agent.CodeForbiddenSchema, Hard: true,
					Detail: fmt.Sprintf("schema %s is outside the tenant allow-list", q),
				}
			}
		}
	}
	if strings.HasPrefix(strings.ToLower(table), "pg_") {
		return &Violation{
			Rule: RuleForbiddenSchema, Code: agent.CodeForbiddenSchema, Hard: true,
			Detail: fmt.Sprintf("catalog relation %s is not queryable", table),
		}
	}
	return nil
}

func checkPlaceholders(tokens []token, bound int) *Violation {
	maxIdx := 0
	for _, tok := range tokens {
		if tok.kind != tokenPlaceholder {
			continue
		}
		idx, err := strconv.Atoi(tok.text[1:])
		if err != nil || idx < 1 {
			return &Violation{Rule: RulePlaceholderBound, Code: agent.CodeSQLRejected,
				Detail: fmt.Sprintf("malformed placeholder %s", tok.text)}
		}
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	if maxIdx > bound {
		return &Violation{Rule: RulePlaceholderBound, Code: agent.CodeSQLRejected,
			Detail: fmt.Sprintf("placeholder $%d has no bound parameter (%d given)", maxIdx, bound)}
	}
	if bound > maxIdx {
		if maxIdx == 0 {
			return &Violation{Rule: RulePlaceholderBound, Code: agent.CodeSQLRejected,
				Detail: fmt.Sprintf("%d parameters bound but the query has no placeholders", bound)}
		}
		return &Violation{Rule: RulePlaceholderBound, Code: agent.CodeSQLRejected,
			Detail: fmt.Sprintf("%d parameters bound but the greatest placeholder is $%d", bound, maxIdx)}
	}
	return nil
}

var comparisonOps = map[string]struct{}{
	"=": {}, "<": {}, ">": {}, "<=": {}, ">=": {}, "<>": {}, "!=": {},
}

// checkBareLiterals flags string literals sitting next to a comparison,
// where the policy mandates a placeholder. Typed literals such as
// INTERVAL '7 days' stay legal.
func checkBareLiterals(tokens []token) *Violation {
	for i, tok := range tokens {
		if tok.kind != tokenString {
			continue
		}
		flagged := false
		if prev := at(tokens, i-1); prev != nil {
			if prev.kind == tokenPunct {
				_, flagged = comparisonOps[prev.text]
			} else if prev.kind == tokenWord {
				u := strings.ToUpper(prev.text)
				flagged = u == "LIKE" || u == "ILIKE"
			}
		}
		if !flagged {
			if next := at(tokens, i+1); next != nil && next.kind == tokenPunct {
				_, flagged = comparisonOps[next.text]
			}
		}
		if flagged {
			return &Violation{Rule: RuleBareLiteral, Code: agent.CodeSQLRejected,
				Detail: "comparison values must be $n placeholders, not inline literals"}
		}
	}
	return nil
}

func at(tokens []token, i int) *token {
	if i < 0 || i >= len(tokens) {
		return nil
	}
	return &tokens[i]
}

func hasWord(tokens []token, word string) bool {
	for _, tok := range tokens {
		if tok.kind == tokenWord && strings.EqualFold(tok.text, word) {
			return true
		}
	}
	return false
}

// identText strips the quotes from a quoted identifier.
func identText(tok token) string {
	if tok.kind != tokenQuotedIdent {
		return tok.text
	}
	inner := tok.text[1 : len(tok.text)-1]
	return strings.ReplaceAll(inner, `""`, `"`)
}

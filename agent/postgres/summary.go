package postgres

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const defaultSummaryBudget = 4096

// thaiVocab maps Thai business terms onto the English vocabulary that
// tenant schemas use for table and column names. Substring keys, so
// unsegmented Thai text still matches.
var thaiVocab = map[string][]string{
	"พนักงาน":     {"employee", "staff"},
	"เงินเดือน":   {"salary", "payroll"},
	"แผนก":        {"department"},
	"ฝ่าย":        {"department", "division"},
	"โปรเจค":      {"project"},
	"โครงการ":     {"project"},
	"ลูกค้า":      {"client", "customer"},
	"งบประมาณ":    {"budget"},
	"รายได้":      {"revenue", "income"},
	"ยอดขาย":      {"sales"},
	"คำสั่งซื้อ":  {"order"},
	"สินค้า":      {"product", "item"},
	"ตำแหน่ง":     {"position", "role"},
	"วันที่":      {"date"},
	"ปี":          {"year"},
	"เดือน":       {"month"},
	"สัญญา":       {"contract"},
	"ใบแจ้งหนี้":  {"invoice"},
	"การลา":       {"leave"},
	"วันหยุด":     {"holiday", "leave"},
	"เข้างาน":     {"attendance"},
	"อะไหล่":      {"part", "spare"},
	"งานซ่อม":     {"service", "repair"},
	"ทีม":         {"team"},
}

// Summarize renders the snapshot as compact prompt text within the
// byte budget, most relevant tables first. At least one table is always
// included so the model has something to work with.
func Summarize(snap *Snapshot, question string, budget int) string {
	if budget <= 0 {
		budget = defaultSummaryBudget
	}

	tokens := questionTokens(question)
	ranked := make([]*Table, len(snap.Tables))
	copy(ranked, snap.Tables)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scoreTable(ranked[i], tokens), scoreTable(ranked[j], tokens)
		if si != sj {
			return si > sj
		}
		return ranked[i].QualifiedName() < ranked[j].QualifiedName()
	})

	var b strings.Builder
	for _, t := range ranked {
		block := tableBlock(t)
		if b.Len() > 0 && b.Len()+len(block) > budget {
			break
		}
		b.WriteString(block)
	}
	return strings.TrimRight(b.String(), "\n")
}

// questionTokens lowercases and splits the question, expanding Thai
// terms into the English schema vocabulary.
func questionTokens(question string) map[string]struct{} {
	lower := strings.ToLower(question)
	tokens := make(map[string]struct{})

	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = struct{}{}
		if trimmed := strings.TrimSuffix(tok, "s"); trimmed != tok && len(trimmed) >= 3 {
			tokens[trimmed] = struct{}{}
		}
	}

	for term, vocab := range thaiVocab {
		if strings.Contains(lower, term) {
			for _, v := range vocab {
				tokens[v] = struct{}{}
			}
		}
	}
	return tokens
}

// scoreTable weighs name overlap: table-name hits count more than
// column-name hits.
func scoreTable(t *Table, tokens map[string]struct{}) int {
	score := 0
	for _, part := range splitName(t.Name) {
		if tokenMatch(part, tokens) {
			score += 3
		}
	}
	for _, col := range t.Columns {
		for _, part := range splitName(col.Name) {
			if tokenMatch(part, tokens) {
				score++
				break
			}
		}
	}
	return score
}

func splitName(name string) []string {
	return strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '.'
	})
}

func tokenMatch(part string, tokens map[string]struct{}) bool {
	if _, ok := tokens[part]; ok {
		return true
	}
	// employees vs employee
	if trimmed := strings.TrimSuffix(part, "s"); trimmed != part {
		if _, ok := tokens[trimmed]; ok {
			return true
		}
	}
	return false
}

func tableBlock(t *Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TABLE %s (~%d rows)\n", t.QualifiedName(), t.RowEstimate)

	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		col := c.Name + " " + c.DataType
		if !c.Nullable {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	fmt.Fprintf(&b, "  columns: %s\n", strings.Join(cols, ", "))

	if len(t.PrimaryKey) > 0 {
		fmt.Fprintf(&b, "  primary key: %s\n", strings.Join(t.PrimaryKey, ", "))
	}
	for _, fk := range t.ForeignKeys {
		fmt.Fprintf(&b, "  foreign key: %s -> %s(%s)\n", fk.Column, fk.RefTable, fk.RefColumn)
	}
	for _, c := range t.Columns {
		if len(c.CommonValues) > 0 {
			fmt.Fprintf(&b, "  %s values: %s\n", c.Name, strings.Join(c.CommonValues, ", "))
		}
	}
	b.WriteString("\n")
	return b.String()
}

package agent

import (
	"strings"
)

// Intent is the coarse question category driving agent selection.
type Intent int

const (
	IntentUnknown Intent = iota
	IntentStructured
	IntentDocument
)

// String returns the string representation of Intent.
func (i Intent) String() string {
	switch i {
	case IntentStructured:
		return "structured"
	case IntentDocument:
		return "document"
	default:
		return "unknown"
	}
}

// AgentType maps the intent to the agent that serves it.
func (i Intent) AgentType() string {
	switch i {
	case IntentStructured:
		return TypePostgres
	case IntentDocument:
		return TypeKnowledgeBase
	default:
		return ""
	}
}

// Weighted data-intent cues, Thai and English mixed. Aggregation and
// count terms weigh 2, bare domain nouns 1; a question needs a weight
// sum of 2 to route without the LLM tie-break.
var structuredKeywords = map[string]int{
	// aggregation / counting
	"how many": 2, "กี่คน": 2, "กี่ตัว": 2, "count": 2, "จำนวน": 2,
	"average": 2, "เฉลี่ย": 2, "sum": 2, "ผลรวม": 2, "total": 2, "รวมทั้งหมด": 2,
	"maximum": 2, "สูงสุด": 2, "minimum": 2, "ต่ำสุด": 2,
	"statistics": 2, "สถิติ": 2,
	// domain nouns
	"employee": 1, "พนักงาน": 1, "salary": 1, "เงินเดือน": 1,
	"project": 1, "โปรเจค": 1, "โครงการ": 1, "budget": 1, "งบประมาณ": 1,
	"department": 1, "แผนก": 1, "ฝ่าย": 1, "revenue": 1, "รายได้": 1,
	"ยอดขาย": 1, "sales": 1, "คำสั่งซื้อ": 1, "order": 1,
	// date filters
	"this year": 1, "ปีนี้": 1, "last month": 1, "เดือนที่แล้ว": 1, "ไตรมาส": 1, "quarter": 1,
}

// Document cues routing to the knowledge base.
var documentKeywords = map[string]int{
	"policy": 2, "นโยบาย": 2, "regulation": 2, "ระเบียบ": 2,
	"procedure": 2, "ขั้นตอน": 2, "manual": 2, "คู่มือ": 2,
	"handbook": 2, "guideline": 2, "แนวทาง": 2, "มาตรฐาน": 2,
	"document": 1, "เอกสาร": 1, "contract": 1, "สัญญา": 1,
	"explain": 1, "อธิบาย": 1, "what is": 1, "คืออะไร": 1, "วิธีการ": 1,
}

// MatchResult carries the classifier decision and its evidence.
type MatchResult struct {
	Intent          Intent
	StructuredScore int
	DocumentScore   int
	Matched         bool
}

// MatchIntent scores the question against both cue sets. A clear winner
// routes directly; everything else falls through to the LLM tie-break.
func MatchIntent(question string) MatchResult {
	lower := strings.ToLower(question)

	structured := scoreKeywords(lower, structuredKeywords)
	document := scoreKeywords(lower, documentKeywords)

	result := MatchResult{StructuredScore: structured, DocumentScore: document}

	switch {
	case structured >= 2 && structured > document:
		result.Intent = IntentStructured
		result.Matched = true
	case document >= 2 && document > structured:
		result.Intent = IntentDocument
		result.Matched = true
	case document >= 1 && structured == 0:
		result.Intent = IntentDocument
		result.Matched = true
	}
	return result
}

// scoreKeywords sums weights for every cue the input contains.
// Substring matching keeps Thai text working without word segmentation.
func scoreKeywords(input string, keywords map[string]int) int {
	score := 0
	for keyword, weight := range keywords {
		if strings.Contains(input, keyword) {
			score += weight
			if score >= 7 {
				return score
			}
		}
	}
	return score
}

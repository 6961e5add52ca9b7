package postgres

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	smallTableRows = 20
	headRows       = 10
)

// Render turns a result set into the tenant-language answer: a sentence
// for scalars, a Markdown table for small results, a head summary for
// large ones, and a source footer naming the tables read.
func Render(question string, rs *ResultSet, tables []string, lang string) string {
	thai := lang == "th"
	var b strings.Builder

	switch {
	case len(rs.Rows) == 0:
		if thai {
			b.WriteString("ไม่พบข้อมูลที่ตรงกับคำถาม")
		} else {
			b.WriteString("No rows matched the question.")
		}

	case len(rs.Rows) == 1 && len(rs.Columns) == 1:
		value := formatValue(rs.Rows[0][0])
		label := scalarLabel(rs.Columns[0])
		if thai {
			fmt.Fprintf(&b, "คำตอบของ \"%s\" คือ %s", question, value)
			if label != "" {
				fmt.Fprintf(&b, " (%s)", label)
			}
		} else {
			fmt.Fprintf(&b, "The answer to \"%s\" is %s", question, value)
			if label != "" {
				fmt.Fprintf(&b, " (%s)", label)
			}
			b.WriteString(".")
		}

	case len(rs.Rows) <= smallTableRows:
		writeMarkdownTable(&b, rs.Columns, rs.Rows)

	default:
		writeMarkdownTable(&b, rs.Columns, rs.Rows[:headRows])
		b.WriteString("\n")
		if thai {
			fmt.Fprintf(&b, "แสดง %d แถวแรกจากทั้งหมด %d แถว", headRows, len(rs.Rows))
		} else {
			fmt.Fprintf(&b, "Showing the first %d of %d rows.", headRows, len(rs.Rows))
		}
	}

	if rs.Truncated {
		b.WriteString("\n")
		if thai {
			b.WriteString("ผลลัพธ์ถูกตัดที่เพดานจำนวนแถว ยังมีข้อมูลมากกว่านี้")
		} else {
			b.WriteString("The result was cut at the row cap; more rows exist.")
		}
	}

	answer := strings.TrimRight(b.String(), "\n")
	return answer + "\n\n" + sourceFooter(tables, len(rs.Rows), thai)
}

// scalarLabel names the unit of a scalar answer from its column alias.
func scalarLabel(column string) string {
	if column == "" || column == "?column?" {
		return ""
	}
	return column
}

func sourceFooter(tables []string, rowCount int, thai bool) string {
	if thai {
		if len(tables) > 0 {
			return fmt.Sprintf("ที่มา: ตาราง %s (%d แถว)", strings.Join(tables, ", "), rowCount)
		}
		return fmt.Sprintf("ที่มา: ผลลัพธ์ %d แถว", rowCount)
	}
	word := "rows"
	if rowCount == 1 {
		word = "row"
	}
	if len(tables) > 0 {
		noun := "tables"
		if len(tables) == 1 {
			noun = "table"
		}
		return fmt.Sprintf("Source: %s %s (%d %s)", noun, strings.Join(tables, ", "), rowCount, word)
	}
	return fmt.Sprintf("Source: %d %s", rowCount, word)
}

func writeMarkdownTable(b *strings.Builder, cols []string, rows [][]any) {
	b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	sep := make([]string, len(cols))
	for i := range sep {
		sep[i] = "---"
	}
	b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = escapeCell(formatValue(v))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return val.Format("2006-01-02")
		}
		return val.Format("2006-01-02 15:04:05")
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

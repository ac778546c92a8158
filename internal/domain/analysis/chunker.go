package analysis

import (
	"encoding/csv"
	"strconv"
	"strings"
	"time"

	"tgarchivist/internal/domain/archive"
)

// MaxChunkSize is the target character ceiling per CSV chunk.
const MaxChunkSize = 50_000

// csvHeader is written verbatim at the start of every chunk.
const csvHeader = "Date;User;Message"

// buildCSVChunks renders messages (already chronologically ordered) into one
// or more CSV chunks, starting a new chunk only once the current one already
// holds at least one row and the next row would push it past MaxChunkSize.
// An oversized single row is never split; it becomes its own chunk.
func buildCSVChunks(messages []archive.Message) []string {
	if len(messages) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	rowsInCurrent := 0
	current.WriteString(csvHeader)
	current.WriteByte('\n')

	for _, m := range messages {
		row := formatRow(m)
		if rowsInCurrent > 0 && current.Len()+len(row) > MaxChunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
			current.WriteString(csvHeader)
			current.WriteByte('\n')
			rowsInCurrent = 0
		}
		current.WriteString(row)
		rowsInCurrent++
	}
	if rowsInCurrent > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// formatRow renders one CSV row (including its trailing newline) for a
// message: date formatted YYYY-MM-DD HH:MM in UTC, user is the sender id or
// "unknown", and embedded newlines/carriage returns are flattened to spaces
// before CSV quoting is applied.
func formatRow(m archive.Message) string {
	date := time.Unix(m.Date, 0).UTC().Format("2006-01-02 15:04")
	user := "unknown"
	if m.SenderID != nil {
		user = strconv.FormatInt(*m.SenderID, 10)
	}
	text := strings.ReplaceAll(m.Text, "\r", " ")
	text = strings.ReplaceAll(text, "\n", " ")

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	w.Comma = ';'
	_ = w.Write([]string{date, user, text})
	w.Flush()
	return sb.String()
}

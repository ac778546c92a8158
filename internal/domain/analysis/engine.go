// Package analysis implements the weekly AnalysisEngine from §4.G: group a
// chat's messages by week, chunk them to CSV, run a Map-Reduce pass over an
// AiPort, persist the result, optionally push action items to a task
// tracker, and emit a Markdown report per week.
package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/clock"
	"tgarchivist/internal/infra/logger"

	"go.uber.org/zap"
)

// Engine runs the weekly analysis pipeline for one chat at a time.
type Engine struct {
	store      archive.Store
	ai         archive.AiPort
	tracker    archive.TaskTrackerPort // optional; nil disables dispatch
	reportsDir string
}

// New builds an Engine. tracker may be nil to disable task-tracker dispatch.
func New(store archive.Store, ai archive.AiPort, tracker archive.TaskTrackerPort, reportsDir string) *Engine {
	return &Engine{store: store, ai: ai, tracker: tracker, reportsDir: reportsDir}
}

// AnalyzeChat runs the pipeline for chatID. If singleWeek is true, only the
// chronologically latest unanalyzed week is processed. It returns the paths
// of every report written; a per-week failure is logged and does not stop
// the remaining weeks.
func (e *Engine) AnalyzeChat(ctx context.Context, chatID int64, singleWeek bool) ([]string, error) {
	weeks, err := e.store.GetUnanalyzedWeeks(ctx, chatID)
	if err != nil {
		return nil, archive.NewRepoError("list unanalyzed weeks", err)
	}
	if len(weeks) == 0 {
		return nil, nil
	}
	if singleWeek {
		sort.Strings(weeks)
		weeks = weeks[len(weeks)-1:]
	}
	wanted := make(map[string]bool, len(weeks))
	for _, w := range weeks {
		wanted[w] = true
	}

	grouped, err := e.store.GetMessagesByWeek(ctx, chatID)
	if err != nil {
		return nil, archive.NewRepoError("group messages by week", err)
	}

	var reports []string
	for _, week := range weeks {
		messages, ok := grouped[week]
		if !ok || len(messages) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		path, err := e.analyzeWeek(ctx, chatID, week, messages)
		if err != nil {
			logger.Error("analysis: week failed", zap.Int64("chat_id", chatID), zap.String("week", week), zap.Error(err))
			continue
		}
		reports = append(reports, path)
	}
	return reports, nil
}

func (e *Engine) analyzeWeek(ctx context.Context, chatID int64, week string, messages []archive.Message) (string, error) {
	chunks := buildCSVChunks(messages)
	result, err := e.mapReduce(ctx, chatID, week, chunks)
	if err != nil {
		return "", err
	}
	result.AnalyzedAt = clock.Now().Unix()

	if err := e.store.SaveAnalysis(ctx, result); err != nil {
		return "", archive.NewRepoError("save analysis", err)
	}

	e.dispatchActionItems(ctx, result)

	return e.writeReport(result)
}

// mapReduce implements the Map-Reduce step: a single chunk goes straight to
// Analyze; multiple chunks are summarized sequentially and their summaries
// joined before the final Analyze call.
func (e *Engine) mapReduce(ctx context.Context, chatID int64, week string, chunks []string) (archive.AnalysisResult, error) {
	if len(chunks) == 0 {
		return archive.AnalysisResult{}, archive.NewProcessorError("no messages to analyze", nil)
	}
	if len(chunks) == 1 {
		return e.ai.Analyze(ctx, chatID, week, chunks[0])
	}

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := e.ai.Summarize(ctx, chunk)
		if err != nil {
			return archive.AnalysisResult{}, fmt.Errorf("summarize chunk %d/%d: %w", i+1, len(chunks), err)
		}
		summaries = append(summaries, summary)
	}
	combined := strings.Join(summaries, "\n\n")
	return e.ai.Analyze(ctx, chatID, week, combined)
}

// dispatchActionItems pushes each action item to the configured task
// tracker. Failures are logged per item and never fail the overall analysis.
func (e *Engine) dispatchActionItems(ctx context.Context, result archive.AnalysisResult) {
	if e.tracker == nil {
		return
	}
	for _, item := range result.ActionItems {
		desc := taskDescription(item, result.WeekGroup)
		var due *string
		if item.Deadline != "" {
			d := item.Deadline
			due = &d
		}
		if err := e.tracker.CreateTask(ctx, item.Description, desc, due); err != nil {
			logger.Error("analysis: task tracker dispatch failed",
				zap.Int64("chat_id", result.ChatID), zap.String("week", result.WeekGroup),
				zap.String("item", item.Description), zap.Error(err))
		}
	}
}

func taskDescription(item archive.ActionItem, week string) string {
	var lines []string
	if item.Owner != "" {
		lines = append(lines, "Owner: "+item.Owner)
	}
	if item.Priority != "" {
		lines = append(lines, "Priority: "+string(item.Priority))
	}
	lines = append(lines, "Week: "+week)
	return strings.Join(lines, "\n")
}

func (e *Engine) writeReport(result archive.AnalysisResult) (string, error) {
	if err := os.MkdirAll(e.reportsDir, 0o755); err != nil {
		return "", archive.NewProcessorError("create reports dir", err)
	}
	path := filepath.Join(e.reportsDir, reportPath(result.ChatID, result.WeekGroup))
	body := renderReport(result)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", archive.NewProcessorError("write report", err)
	}
	return path, nil
}

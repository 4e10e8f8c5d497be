package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// markdownLine matches one task line: "- [ ] text" or "- [x] text".
var markdownLine = regexp.MustCompile(`^-\s\[( |x|X)\]\s(.+)$`)

var assigneeSlugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// AssigneeLookup maps a display name to the directory username used as the
// assignee id.
type AssigneeLookup map[string]string

func resolveMarkdownAssignee(rawName string, lookup AssigneeLookup) (id, name string) {
	name = strings.TrimSpace(rawName)
	if name == "" {
		return DefaultAssigneeID, DefaultAssigneeName
	}
	if lookup != nil {
		if username, ok := lookup[name]; ok && username != "" {
			return username, name
		}
	}
	id = strings.Trim(assigneeSlugStrip.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if id == "" {
		id = DefaultAssigneeID
	}
	return id, name
}

// ParseMarkdownToTasks converts a markdown checklist into canonical tasks.
// Each line has the shape "- [ ] text | assignee | progress"; lines that do
// not match are skipped. Line position supplies the priority, so importing
// preserves list order.
func ParseMarkdownToTasks(markdown string, lookup AssigneeLookup) []Task {
	lines := strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n")
	tasks := make([]Task, 0, len(lines))

	for index, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		match := markdownLine.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}

		checkboxDone := strings.EqualFold(match[1], "x")
		fields := strings.Split(match[2], "|")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		text := fields[0]
		var assigneeField, progressField string
		if len(fields) > 1 {
			assigneeField = fields[1]
		}
		if len(fields) > 2 {
			progressField = fields[2]
		}

		assigneeID, assigneeName := resolveMarkdownAssignee(assigneeField, lookup)

		progress := float64(0)
		if checkboxDone {
			progress = 100
		}
		if parsed, err := strconv.Atoi(progressField); err == nil {
			progress = float64(parsed)
		}
		done := checkboxDone || progress >= 100

		priority := float64(index)
		tasks = append(tasks, NewTask(TaskInput{
			Text:         text,
			AssigneeID:   assigneeID,
			AssigneeName: assigneeName,
			Priority:     &priority,
			Progress:     &progress,
			Done:         done,
		}, index))
	}

	return tasks
}

// SerializeTasksToMarkdown renders tasks as a markdown checklist, open
// tasks first, each in ascending priority order.
func SerializeTasksToMarkdown(tasks []Task) string {
	ordered := make([]Task, len(tasks))
	copy(ordered, tasks)
	// Same partitioning as SortTasks but without the recency tie-break, so
	// serialized output is stable across re-renders of unchanged tasks.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && markdownLess(ordered[j], ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	lines := make([]string, len(ordered))
	for i, task := range ordered {
		progress := clampProgress(task.Progress)
		mark := " "
		if task.Done || progress >= 100 {
			mark = "x"
		}
		lines[i] = "- [" + mark + "] " + task.Text + " | " + task.AssigneeName + " | " + strconv.Itoa(progress)
	}
	return strings.Join(lines, "\n")
}

func markdownLess(a, b Task) bool {
	if a.Done != b.Done {
		return !a.Done
	}
	return a.Priority < b.Priority
}

func clampProgress(progress int) int {
	return int(math.Min(100, math.Max(0, float64(progress))))
}

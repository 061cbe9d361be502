package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"gatekeeper/pkg/audit"
	"gatekeeper/pkg/loop"
	"gatekeeper/pkg/metrics"
	"gatekeeper/pkg/workitem"
)

const (
	bodyWidth    = 80
	summaryWidth = 40
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	badStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))
)

func containerStyle(c workitem.Container) lipgloss.Style {
	switch c {
	case workitem.Done:
		return okStyle
	case workitem.Failed, workitem.Rejected:
		return badStyle
	case workitem.PendingApproval:
		return warnStyle
	case workitem.Approved:
		return activeStyle
	default:
		return dimStyle
	}
}

func auditStyle(k audit.Kind) lipgloss.Style {
	switch k {
	case audit.KindCompleted, audit.KindApproved, audit.KindLoopCompleted:
		return okStyle
	case audit.KindFailed, audit.KindRejected, audit.KindExpired, audit.KindLoopCeilingReached:
		return badStyle
	case audit.KindRetryScheduled, audit.KindApprovalRequested, audit.KindCompletionFlagged:
		return warnStyle
	default:
		return activeStyle
	}
}

// table renders rows as padded columns. Widths are measured on the plain
// text so styled cells still line up.
type table struct {
	headers []string
	rows    [][]cell
}

type cell struct {
	text  string
	style *lipgloss.Style
}

func plain(s string) cell { return cell{text: s} }

func styled(s string, st lipgloss.Style) cell { return cell{text: s, style: &st} }

func (t *table) add(cells ...cell) { t.rows = append(t.rows, cells) }

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			widths[i] = max(widths[i], lipgloss.Width(c.text))
		}
	}

	var b strings.Builder
	for i, h := range t.headers {
		b.WriteString(headerStyle.Width(widths[i] + 2).Render(h))
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	for _, row := range t.rows {
		b.Reset()
		for i, c := range row {
			st := lipgloss.NewStyle()
			if c.style != nil {
				st = *c.style
			}
			b.WriteString(st.Width(widths[i] + 2).Render(c.text))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func renderItems(w io.Writer, items []*workitem.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no items"))
		return
	}
	t := &table{headers: []string{"ID", "CONTAINER", "ACTION", "UPDATED", "SUMMARY"}}
	for _, it := range items {
		t.add(
			plain(it.ID),
			styled(string(it.Container), containerStyle(it.Container)),
			plain(it.ActionType),
			styled(it.UpdatedAt.Local().Format(time.DateTime), dimStyle),
			plain(summary(it)),
		)
	}
	t.render(w)
}

// summary is the first body line, or the last error for failed items.
func summary(it *workitem.Item) string {
	text := it.Body
	if errs := it.AttemptErrors(); len(errs) > 0 && it.Container == workitem.Failed {
		text = errs[len(errs)-1].Detail
	}
	text, _, _ = strings.Cut(strings.TrimSpace(text), "\n")
	return truncate.StringWithTail(text, summaryWidth, "…")
}

// renderItem prints the item as its stored record with the body wrapped.
func renderItem(w io.Writer, it *workitem.Item) error {
	fmt.Fprintf(w, "%s %s\n", headerStyle.Render(it.ID), containerStyle(it.Container).Render("["+string(it.Container)+"]"))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("created:"), it.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("updated:"), it.UpdatedAt.Local().Format(time.RFC3339))

	header := *it
	header.Body = ""
	record, err := workitem.Encode(&header)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", it.ID, err)
	}
	fmt.Fprint(w, dimStyle.Render(strings.TrimRight(string(record), "\n")))
	fmt.Fprintln(w)

	if body := strings.TrimSpace(it.Body); body != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, wordwrap.String(body, bodyWidth))
	}
	return nil
}

func renderAudit(w io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no entries"))
		return
	}
	t := &table{headers: []string{"TIME", "KIND", "ACTOR", "TARGET", "MOVE"}}
	for _, e := range entries {
		move := ""
		if e.From != "" || e.To != "" {
			move = string(e.From) + " → " + string(e.To)
		}
		t.add(
			styled(e.TS.Local().Format(time.DateTime), dimStyle),
			styled(string(e.Kind), auditStyle(e.Kind)),
			plain(e.Actor),
			plain(e.Target),
			plain(move),
		)
	}
	t.render(w)
}

func renderReport(w io.Writer, r *metrics.Report) {
	fmt.Fprintf(w, "%s %s\n\n", headerStyle.Render("Throughput over"), r.Window)

	if len(r.Actions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no executions"))
	} else {
		t := &table{headers: []string{"ACTION", "COMPLETED", "FAILED", "RETRIES", "AVG"}}
		for _, a := range r.Actions {
			failed := plain(fmt.Sprint(a.Failed))
			if a.Failed > 0 {
				failed = styled(fmt.Sprint(a.Failed), badStyle)
			}
			t.add(
				plain(a.ActionType),
				styled(fmt.Sprint(a.Completed), okStyle),
				failed,
				plain(fmt.Sprint(a.Retries)),
				plain(fmt.Sprintf("%.2fs", a.AvgSeconds)),
			)
		}
		t.render(w)
	}

	printCounts(w, "Approvals", r.Approvals)
	printCounts(w, "Loops", r.Loops)
}

func printCounts(w io.Writer, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render(title+":"))
	for _, k := range keys {
		fmt.Fprintf(w, "  %s %d\n", labelStyle.Render(k+":"), counts[k])
	}
}

func renderSessions(w io.Writer, sessions []*loop.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no active sessions"))
		return
	}
	t := &table{headers: []string{"ID", "ITERATION", "WATCH", "TOKEN", "INSTRUCTION"}}
	for _, s := range sessions {
		progress := fmt.Sprintf("%d/%d", s.Iteration, s.Ceiling)
		st := activeStyle
		if s.Iteration+1 >= s.Ceiling {
			st = warnStyle
		}
		t.add(
			plain(s.ID),
			styled(progress, st),
			plain(s.WatchItemID),
			plain(s.CompletionToken),
			plain(truncate.StringWithTail(s.Instruction, summaryWidth, "…")),
		)
	}
	t.render(w)
}

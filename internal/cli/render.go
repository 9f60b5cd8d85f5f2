package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ChuLiYu/offline-sync/internal/favorites"
	"github.com/ChuLiYu/offline-sync/internal/storage/journal"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

const maxErrorWidth = 48

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

// renderQueue 列出佇列中的動作（依入列順序）
func renderQueue(w io.Writer, actions []types.QueuedAction, now time.Time) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"#", "ID", "Type", "Attempts", "Enqueued", "Last Attempt", "Last Error"})
	for i, a := range actions {
		lastAttempt := "-"
		if a.LastAttemptAt > 0 {
			lastAttempt = humanize.RelTime(time.UnixMilli(a.LastAttemptAt), now, "ago", "from now")
		}
		t.AppendRow(table.Row{
			i + 1,
			a.ID,
			a.Type,
			fmt.Sprintf("%d/%d", a.Retries, a.MaxRetries),
			humanize.RelTime(a.EnqueuedAt(), now, "ago", "from now"),
			lastAttempt,
			truncate(a.LastError, maxErrorWidth),
		})
	}
	t.AppendFooter(table.Row{"", "Total", len(actions)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
	})
	t.Render()
}

// renderDeadLetters 列出死信紀錄
func renderDeadLetters(w io.Writer, entries []journal.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no dead letters")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Seq", "Action", "Type", "Reason", "Retries", "Dropped", "Error"})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.Seq,
			e.ActionID,
			e.ActionType,
			e.Reason,
			e.Retries,
			humanize.RelTime(time.UnixMilli(e.Timestamp), now, "ago", "from now"),
			truncate(e.Error, maxErrorWidth),
		})
	}
	t.Render()
}

// renderFavorites 列出收藏
func renderFavorites(w io.Writer, items []favorites.Item, now time.Time) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no favorites")
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Title", "Added"})
	for _, item := range items {
		added := "-"
		if item.AddedAt > 0 {
			added = humanize.RelTime(time.UnixMilli(item.AddedAt), now, "ago", "from now")
		}
		t.AppendRow(table.Row{item.ID, item.Title, added})
	}
	t.AppendFooter(table.Row{"Total", len(items)})
	t.Render()
}

// renderReport 輸出一次 drain 的結果
func renderReport(w io.Writer, report types.DrainReport) {
	if report.Skipped {
		fmt.Fprintf(w, "drain skipped: another drain is running (%d pending)\n", report.Remaining)
		return
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Snapshot", "Applied", "Retried", "Terminal", "Deferred", "Remaining", "Duration"})
	t.AppendRow(table.Row{
		report.Snapshot,
		report.Applied,
		report.Retried,
		report.Terminal,
		report.Deferred,
		report.Remaining,
		report.Duration.Round(time.Millisecond),
	})
	t.Render()
	if !report.Persisted && report.Snapshot > 0 {
		fmt.Fprintln(w, "warning: queue could not be persisted after this drain")
	}
}

func truncate(s string, n int) string {
	return text.Snip(strings.ReplaceAll(s, "\n", " "), n, "...")
}

//go:build tk

package tkview

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/logview"
	"github.com/thiagokokada/qlog-go/internal/palette"
	tk "modernc.org/tk9.0"
	evalext "modernc.org/tk9.0/extensions/eval"
)

const Available = true

// stepBudget bounds the loop work done per Tk event so the window keeps
// repainting during long loads.
const stepBudget = 20 * time.Millisecond

type window struct {
	model  *logview.Model
	rows   *Rows
	tree   *tk.TTreeviewWidget
	status *tk.TLabelWidget
}

// Show opens the log window and blocks until it is closed. Loop steps run
// on the Tk goroutine, which makes it the model's goroutine too.
func Show(ctx context.Context, loop *eventloop.Loop, model *logview.Model, rows *Rows, p *palette.Palette, title string) error {
	if err := tk.InitializeExtension("eval"); err != nil && err != tk.AlreadyInitialized {
		return fmt.Errorf("tk eval extension: %w", err)
	}
	w := &window{model: model, rows: rows}
	w.build(p)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.pump(ctx, loop)

	tk.App.WmTitle(title)
	tk.App.SetResizable(true, true)
	tk.App.Center().Wait()
	return nil
}

func (w *window) build(p *palette.Palette) {
	tk.GridColumnConfigure(tk.App, 0, tk.Weight(1))
	tk.GridRowConfigure(tk.App, 0, tk.Weight(1))

	scroll := tk.App.TScrollbar()
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.name
	}
	w.tree = tk.App.TTreeview(
		tk.Show("headings"),
		tk.Columns(strings.Join(names, " ")),
		tk.Selectmode("browse"),
		tk.Height(24),
		tk.Yscrollcommand(func(e *tk.Event) {
			e.ScrollSet(scroll)
			w.onScroll()
		}),
	)
	for _, c := range columns {
		w.tree.Column(c.name, tk.Anchor(tk.W), tk.Width(c.width))
		w.tree.Heading(c.name, tk.Txt(c.title))
	}
	w.tree.TagConfigure(TagPending, tk.Foreground(palette.Hex(p.Unknown)))
	w.tree.TagConfigure(TagUnknown, tk.Foreground(palette.Hex(p.Unknown)))
	w.tree.TagConfigure(TagWorkingTree, tk.Foreground(palette.Hex(p.Link)))
	w.tree.TagConfigure(TagError, tk.Foreground(p.Hex(1)))
	tk.Grid(w.tree, tk.Row(0), tk.Column(0), tk.Sticky(tk.NEWS))
	tk.Grid(scroll, tk.Row(0), tk.Column(1), tk.Sticky(tk.NS))
	scroll.Configure(tk.Command(func(e *tk.Event) { e.Yview(w.tree) }))

	w.status = tk.App.TLabel(tk.Anchor(tk.W), tk.Relief(tk.SUNKEN), tk.Padding("4p"))
	tk.Grid(w.status, tk.Row(1), tk.Column(0), tk.Columnspan(2), tk.Sticky(tk.WE))

	tk.Bind(w.tree, "<<TreeviewSelect>>", tk.Command(w.onSelect))
}

// pump hands queued loop steps to the Tk goroutine and waits for them to
// finish before looking at the queue again.
func (w *window) pump(ctx context.Context, loop *eventloop.Loop) {
	for {
		if err := loop.Wait(ctx); err != nil {
			return
		}
		done := make(chan struct{})
		tk.PostEvent(func() {
			defer close(done)
			loop.RunFor(stepBudget)
			w.refresh()
		}, false)
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func (w *window) refresh() {
	reset, changed := w.rows.Flush()
	if reset {
		if _, err := evalext.Eval(fmt.Sprintf("%s delete [%s children {}]", w.tree, w.tree)); err != nil {
			slog.Error("clear log rows", slog.Any("error", err))
		}
		for _, it := range w.rows.Items() {
			w.insert("end", it)
		}
	}
	for _, row := range changed {
		it := w.rows.Item(row)
		w.tree.Delete(it.ID)
		w.insert(row, it)
	}
	w.status.Configure(tk.Txt(w.rows.Status()))
}

func (w *window) insert(index any, it Item) {
	if it.Tag == "" {
		w.tree.Insert("", index, tk.Id(it.ID), tk.Values(it.Values))
		return
	}
	w.tree.Insert("", index, tk.Id(it.ID), tk.Values(it.Values), tk.Tags(it.Tag))
}

func (w *window) onSelect() {
	sel := w.tree.Selection("")
	if len(sel) == 0 {
		return
	}
	if row, ok := RowOf(sel[0]); ok {
		w.model.Select(row)
	}
}

// onScroll tells the model which rows are on screen so their bodies load
// first.
func (w *window) onScroll() {
	n := w.model.RowCount()
	if n == 0 {
		return
	}
	out, err := evalext.Eval(fmt.Sprintf("%s yview", w.tree))
	if err != nil {
		slog.Debug("log yview", slog.Any("error", err))
		return
	}
	first, last, ok := VisibleRows(out, n)
	if ok {
		w.model.SetVisibleWindow(first, last)
	}
}

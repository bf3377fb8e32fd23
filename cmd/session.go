package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"github.com/thiagokokada/qlog-go/internal/config"
	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/logview"
	"github.com/thiagokokada/qlog-go/internal/msgview"
	"github.com/thiagokokada/qlog-go/internal/palette"
	"github.com/thiagokokada/qlog-go/internal/revcache"
	"github.com/thiagokokada/qlog-go/internal/searchindex"
	"github.com/thiagokokada/qlog-go/internal/textview"
	"github.com/thiagokokada/qlog-go/internal/tkview"
	"github.com/thiagokokada/qlog-go/internal/vcs"
	"github.com/thiagokokada/qlog-go/internal/vcs/gitrepo"
	"github.com/thiagokokada/qlog-go/internal/watch"
)

// session owns everything one invocation opens. All model access happens
// on loop, which run drives from the calling goroutine.
type session struct {
	ctx      context.Context
	opts     options
	cfg      config.Config
	loop     *eventloop.Loop
	cache    *revcache.Cache
	branches []*vcs.BranchInfo
	index    *searchindex.Index
	model    *logview.Model
	view     *msgview.View
	watcher  *watch.Watcher
}

func newSession(ctx context.Context, opts options, cfg config.Config) (*session, error) {
	s := &session{
		ctx:   ctx,
		opts:  opts,
		cfg:   cfg,
		loop:  eventloop.New(),
		cache: revcache.New(),
	}
	if opts.indexPath != "" {
		ix, err := searchindex.Open(ctx, opts.indexPath)
		if err != nil {
			return nil, err
		}
		s.index = ix
	}
	for _, path := range opts.paths {
		b, err := s.openBranch(path)
		if err != nil {
			s.close()
			return nil, err
		}
		s.branches = append(s.branches, b)
	}
	return s, nil
}

func (s *session) openBranch(path string) (*vcs.BranchInfo, error) {
	repo, err := gitrepo.Open(path)
	if err != nil {
		return nil, err
	}
	branch, err := repo.Branch("")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info := &vcs.BranchInfo{Label: branch.Nick(), Branch: branch}
	if tree, err := repo.WorkingTree(); err == nil {
		info.Tree = tree
	} else {
		slog.Debug("no working tree", slog.String("path", path), slog.Any("error", err))
	}
	if s.index != nil {
		info.Index = s.index
	}
	return info, nil
}

func (s *session) close() {
	if s.model != nil {
		s.model.Close()
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			slog.Error("close watcher", slog.Any("error", err))
		}
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			slog.Error("close search index", slog.Any("error", err))
		}
	}
}

func (s *session) run(w io.Writer) error {
	s.model = logview.Open(s.ctx, s.loop, s.cache, s.request(), logNotifier{}, s.cfg)
	s.view = msgview.New(s.ctx, s.loop, s.cache)
	s.view.SelectRevision = s.model.SelectRevision
	s.model.OnSelectionChanged(func(ids []vcs.RevisionID) {
		s.view.Show(s.model.Graph(), ids)
	})
	if s.opts.watch {
		if err := s.startWatch(); err != nil {
			return err
		}
	}
	render := textview.Options{Limit: s.opts.limit}
	if s.colored(w) {
		p := palette.For(palette.ThemePreferenceFromString(s.cfg.Theme))
		render.Palette = &p
	}
	for {
		if err := s.settle(s.model.Busy); err != nil {
			return s.interrupted(err)
		}
		if err := s.output(w, render); err != nil {
			return err
		}
		if !s.opts.watch {
			return s.model.Err()
		}
		if err := s.loop.Wait(s.ctx); err != nil {
			return s.interrupted(err)
		}
	}
}

// runGUI shows the log in a Tk window. The window drives the loop.
func (s *session) runGUI() error {
	if !tkview.Available {
		return tkview.ErrUnavailable
	}
	rows := tkview.NewRows()
	s.model = logview.Open(s.ctx, s.loop, s.cache, s.request(), rows, s.cfg)
	rows.Attach(s.model)
	p := palette.For(palette.ThemePreferenceFromString(s.cfg.Theme))
	labels := make([]string, len(s.branches))
	for i, b := range s.branches {
		labels[i] = b.Label
	}
	return tkview.Show(s.ctx, s.loop, s.model, rows, &p, "qlog-go: "+strings.Join(labels, ", "))
}

func (s *session) request() logview.Request {
	return logview.Request{
		Branches:      s.branches,
		FileIDs:       s.opts.fileIDs,
		Mode:          s.opts.mode,
		NoGraph:       s.opts.noGraph,
		InitialFilter: s.opts.search,
	}
}

// interrupted treats a signal as the normal way to leave watch mode.
func (s *session) interrupted(err error) error {
	if s.opts.watch && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// settle runs the loop until busy reports false and nothing is queued.
func (s *session) settle(busy func() bool) error {
	for {
		s.loop.RunUntilIdle()
		if !busy() && s.loop.Pending() == 0 {
			return nil
		}
		if err := s.loop.Wait(s.ctx); err != nil {
			return err
		}
	}
}

func (s *session) output(w io.Writer, render textview.Options) error {
	rows := s.model.RowCount()
	if s.opts.limit > 0 {
		rows = min(rows, s.opts.limit)
	}
	if rows > logview.DefaultWindow {
		s.model.SetVisibleWindow(0, rows-1)
		if err := s.settle(s.model.Busy); err != nil {
			return err
		}
	}
	if s.opts.show != "" {
		return s.showMessage(w)
	}
	if s.opts.watch && isTerminal(w) {
		termenv.NewOutput(w).ClearScreen()
	}
	return textview.Render(w, s.model, render)
}

func (s *session) showMessage(w io.Writer) error {
	rev := s.opts.show
	if !s.model.SelectRevno(rev) && !s.model.SelectRevision(vcs.RevisionID(rev)) {
		return fmt.Errorf("show %s: %w", rev, vcs.ErrNoSuchRevision)
	}
	if err := s.settle(func() bool { return s.model.Busy() || s.view.Busy() }); err != nil {
		return err
	}
	for i, msg := range s.view.Messages() {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if _, err := io.WriteString(w, msg.Text()); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) startWatch() error {
	roots := make([]string, 0, len(s.branches))
	for _, b := range s.branches {
		roots = append(roots, b.Repository().Location())
	}
	withTree := s.opts.mode != loggraph.ModeAncestry
	w, err := watch.Start(watch.Paths(roots, withTree), watch.DefaultDelay, func() {
		s.loop.Post(func() {
			slog.Info("repository changed, reloading")
			s.model.Reload()
		})
	})
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// buildIndex adds the ancestry of every branch tip to the search index.
func (s *session) buildIndex(w io.Writer) error {
	starts := map[vcs.Repository][]vcs.RevisionID{}
	var order []vcs.Repository
	for _, b := range s.branches {
		_, tip, err := b.Branch.Tip(s.ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", b.Label, err)
		}
		if tip == "" {
			continue
		}
		repo := b.Repository()
		if _, ok := starts[repo]; !ok {
			order = append(order, repo)
		}
		starts[repo] = append(starts[repo], tip)
	}
	total := 0
	for _, repo := range order {
		n, err := s.index.Build(s.ctx, repo, starts[repo], searchindex.DefaultBatch)
		total += n
		if err != nil {
			return fmt.Errorf("index %s: %w", repo.Location(), err)
		}
	}
	slog.Debug("search index updated", slog.String("path", s.opts.indexPath), slog.Int("added", total))
	fmt.Fprintf(w, "indexed %d revisions\n", total)
	return nil
}

func (s *session) colored(w io.Writer) bool {
	switch s.opts.color {
	case "always":
		return true
	case "never":
		return false
	}
	return isTerminal(w)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// logNotifier reports through slog. Errors are logged by the model itself
// and the renderer reads rows after the loop settles.
type logNotifier struct{}

func (logNotifier) NotifyRowsChanged(rows []int) {
	slog.Debug("rows changed", slog.Int("rows", len(rows)))
}

func (logNotifier) NotifyLayoutChanged()       {}
func (logNotifier) NotifyError(*logview.Error) {}
func (logNotifier) ShowThrobber()              { slog.Info("loading revisions") }
func (logNotifier) HideThrobber()              { slog.Debug("revisions loaded") }

// Package msgview renders the details of the selected revisions, linking
// their parents and children.
package msgview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/revcache"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

var ErrNoBrowser = errors.New("no browser configured")

// View loads and renders the selected revisions. Its methods must be
// called on the event loop.
type View struct {
	ctx   context.Context
	loop  *eventloop.Loop
	cache *revcache.Cache

	gen    uint64
	graph  *loggraph.Graph
	ids    []vcs.RevisionID
	loaded map[vcs.RevisionID]*vcs.Revision
	msgs   []Message
	busy   bool

	// OnUpdate receives the messages every time more bodies arrive.
	OnUpdate func(msgs []Message)
	// SelectRevision handles clicks on revision links.
	SelectRevision func(id vcs.RevisionID) bool
	// OpenURL handles every other link.
	OpenURL  func(url string) error
	Throbber revcache.Throbber
}

func New(ctx context.Context, loop *eventloop.Loop, cache *revcache.Cache) *View {
	return &View{
		ctx:     ctx,
		loop:    loop,
		cache:   cache,
		loaded:  map[vcs.RevisionID]*vcs.Revision{},
		OpenURL: OpenBrowser,
	}
}

// Show replaces the shown revisions with ids of g. Bodies of the revisions
// and of their parents and children are loaded before OnUpdate runs.
func (v *View) Show(g *loggraph.Graph, ids []vcs.RevisionID) {
	v.gen++
	gen := v.gen
	v.graph = g
	v.ids = slices.Clone(ids)
	v.loaded = map[vcs.RevisionID]*vcs.Revision{}
	v.msgs = nil
	v.busy = false
	if g == nil || len(ids) == 0 {
		v.update()
		return
	}
	want := slices.Clone(ids)
	for _, id := range ids {
		n, ok := g.Lookup(id)
		if !ok {
			continue
		}
		for _, i := range n.Parents {
			want = append(want, g.Nodes[i].ID)
		}
		for _, i := range n.Children {
			want = append(want, g.Nodes[i].ID)
		}
	}
	slog.Debug("message view load", slog.Int("selected", len(ids)), slog.Int("revisions", len(want)))
	v.busy = true
	v.cache.Load(v.ctx, v.loop, want, g.RepositoryFor, revcache.LoadOptions{
		PassCached: true,
		Cancelled:  func() bool { return gen != v.gen },
		OnLoaded: func(loaded map[vcs.RevisionID]*vcs.Revision, last bool) {
			maps.Copy(v.loaded, loaded)
			if last {
				v.busy = false
			}
			v.update()
		},
		OnError: func(err error) {
			slog.Error("message view load", slog.Any("error", err))
			v.busy = false
			v.update()
		},
		Throbber: v.Throbber,
	})
}

// Busy reports whether bodies for the last Show are still loading.
func (v *View) Busy() bool { return v.busy }

// Messages returns the current rendering input, one per shown revision.
func (v *View) Messages() []Message { return v.msgs }

func (v *View) update() {
	v.msgs = make([]Message, 0, len(v.ids))
	for _, id := range v.ids {
		v.msgs = append(v.msgs, v.message(id))
	}
	if v.OnUpdate != nil {
		v.OnUpdate(v.msgs)
	}
}

func (v *View) message(id vcs.RevisionID) Message {
	m := Message{ID: id, Tags: v.graph.Tags[id]}
	if rev, ok := v.loaded[id]; ok {
		m.Revision = rev
	}
	n, ok := v.graph.Lookup(id)
	if !ok {
		return m
	}
	m.Revno = n.RevnoText()
	m.Color = n.Color
	if n.IsWorkingTree() {
		m.WorkingTree = true
		m.Revision = nil
	}
	for _, i := range n.Parents {
		m.Parents = append(m.Parents, v.link(i))
	}
	for _, i := range n.Children {
		m.Children = append(m.Children, v.link(i))
	}
	return m
}

func (v *View) link(i int) Link {
	n := v.graph.Nodes[i]
	l := Link{ID: n.ID, Revno: n.RevnoText(), Color: n.Color}
	switch rev, ok := v.loaded[n.ID]; {
	case n.IsWorkingTree():
		l.Summary = vcs.WorkingTreeTitle
	case ok && !rev.Missing:
		l.Summary = rev.Summary()
	}
	return l
}

// Click follows a link from the rendered HTML.
func (v *View) Click(href string) error {
	if id, ok := strings.CutPrefix(href, RevisionScheme); ok {
		if v.SelectRevision == nil || !v.SelectRevision(vcs.RevisionID(id)) {
			return fmt.Errorf("select revision %s: not in the log", id)
		}
		return nil
	}
	if v.OpenURL == nil {
		return ErrNoBrowser
	}
	if err := v.OpenURL(href); err != nil {
		return fmt.Errorf("open %s: %w", href, err)
	}
	return nil
}

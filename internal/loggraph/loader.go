package loggraph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/mergesort"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

const topID vcs.RevisionID = "top:"

var ErrNoBranches = errors.New("no branches to load")

type headSpec struct {
	id     vcs.RevisionID
	labels []string
	branch *vcs.BranchInfo
	// tree is set for synthesized working tree heads.
	tree    *vcs.BranchInfo
	parents []vcs.RevisionID
}

type branchHeads struct {
	branch *vcs.BranchInfo
	heads  []headSpec
	tip    vcs.RevisionID
	when   time.Time
}

// AncestryChunk is the number of ancestors LoadAsync reads per event loop
// step.
const AncestryChunk = 100

func checkRequest(req Request) error {
	if len(req.Branches) == 0 {
		return ErrNoBranches
	}
	if req.Primary < 0 || req.Primary >= len(req.Branches) {
		return fmt.Errorf("primary branch %d out of range", req.Primary)
	}
	return nil
}

func logStart(req Request) {
	slog.Debug("graph load start",
		slog.Int("branches", len(req.Branches)),
		slog.String("mode", req.Mode.String()),
	)
}

func logDone(g *Graph, err error, start time.Time) {
	if err != nil {
		slog.Debug("graph load failed", slog.Any("error", err))
		return
	}
	slog.Debug("graph load done",
		slog.Int("revisions", len(g.Nodes)),
		slog.Int("lines", len(g.Lines)),
		slog.Int("ghosts", len(g.Ghosts)),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// Load builds the graph for req. Any adapter failure aborts the load.
func Load(ctx context.Context, req Request) (*Graph, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	start := time.Now()
	logStart(req)
	repos := vcs.UniqueRepositories(req.Branches)
	var g *Graph
	err := vcs.WithReadLock(repos, func() error {
		heads, err := headsOf(ctx, req)
		if err != nil {
			return err
		}
		anc := newAncestry(heads)
		for _, repo := range repos {
			for a, err := range repo.Ancestry(ctx, anc.starts) {
				if err != nil {
					return ancestryError(repo, err)
				}
				anc.add(repo, a)
			}
		}
		g, err = build(ctx, req, repos, heads, anc)
		return err
	})
	logDone(g, err, start)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// LoadAsync builds the graph for req on loop, reading AncestryChunk
// ancestors per step so other work runs in between. Read locks are held
// from the first step until the load ends. Once cancelled reports true the
// load stops at its next step without calling done.
func LoadAsync(ctx context.Context, loop *eventloop.Loop, req Request, cancelled func() bool, done func(*Graph, error)) {
	l := &asyncLoad{ctx: ctx, loop: loop, req: req, cancelled: cancelled, done: done}
	loop.Post(l.begin)
}

type asyncLoad struct {
	ctx       context.Context
	loop      *eventloop.Loop
	req       Request
	cancelled func() bool
	done      func(*Graph, error)

	start   time.Time
	repos   []vcs.Repository
	release func() error
	heads   []headSpec
	anc     *ancestry
	repo    int
	next    func() (vcs.Ancestor, error, bool)
	stop    func()
	steps   int
}

func (l *asyncLoad) abandoned() bool {
	return l.cancelled != nil && l.cancelled()
}

func (l *asyncLoad) begin() {
	if l.abandoned() {
		return
	}
	if err := checkRequest(l.req); err != nil {
		l.done(nil, err)
		return
	}
	l.start = time.Now()
	logStart(l.req)
	l.repos = vcs.UniqueRepositories(l.req.Branches)
	release, err := vcs.LockAll(l.repos)
	if err != nil {
		l.finish(nil, err)
		return
	}
	l.release = release
	heads, err := headsOf(l.ctx, l.req)
	if err != nil {
		l.finish(nil, err)
		return
	}
	l.heads = heads
	l.anc = newAncestry(heads)
	l.loop.Post(l.walk)
}

func (l *asyncLoad) walk() {
	if l.abandoned() {
		l.close()
		slog.Debug("graph load abandoned", slog.Int("revisions", len(l.anc.parents)))
		return
	}
	if err := l.ctx.Err(); err != nil {
		l.finish(nil, err)
		return
	}
	l.steps++
	for range AncestryChunk {
		if l.next == nil {
			if l.repo == len(l.repos) {
				g, err := build(l.ctx, l.req, l.repos, l.heads, l.anc)
				l.finish(g, err)
				return
			}
			l.next, l.stop = iter.Pull2(l.repos[l.repo].Ancestry(l.ctx, l.anc.starts))
		}
		a, err, ok := l.next()
		if !ok {
			l.stop()
			l.next, l.stop = nil, nil
			l.repo++
			continue
		}
		if err != nil {
			l.finish(nil, ancestryError(l.repos[l.repo], err))
			return
		}
		l.anc.add(l.repos[l.repo], a)
	}
	l.loop.Post(l.walk)
}

// close stops the ancestry walk and releases the read locks.
func (l *asyncLoad) close() error {
	if l.stop != nil {
		l.stop()
		l.next, l.stop = nil, nil
	}
	if l.release == nil {
		return nil
	}
	err := l.release()
	l.release = nil
	if err != nil {
		slog.Error("release read lock", slog.Any("error", err))
	}
	return err
}

func (l *asyncLoad) finish(g *Graph, err error) {
	if rerr := l.close(); rerr != nil {
		err = errors.Join(err, rerr)
		g = nil
	}
	logDone(g, err, l.start)
	if err == nil {
		slog.Debug("graph ancestry read", slog.Int("steps", l.steps))
	}
	if l.abandoned() {
		return
	}
	l.done(g, err)
}

// ancestry accumulates the parent map of every reachable revision.
type ancestry struct {
	starts  []vcs.RevisionID
	parents map[vcs.RevisionID][]vcs.RevisionID
	repoOf  map[vcs.RevisionID]vcs.Repository
	ghosts  map[vcs.RevisionID]bool
}

func newAncestry(heads []headSpec) *ancestry {
	a := &ancestry{
		parents: map[vcs.RevisionID][]vcs.RevisionID{},
		repoOf:  map[vcs.RevisionID]vcs.Repository{},
		ghosts:  map[vcs.RevisionID]bool{},
	}
	for _, h := range heads {
		if h.tree != nil {
			a.starts = append(a.starts, h.parents...)
		} else {
			a.starts = append(a.starts, h.id)
		}
	}
	return a
}

// add records anc. The first repository to yield a revision owns it; a
// ghost in one repository is resolved by another that has it.
func (a *ancestry) add(repo vcs.Repository, anc vcs.Ancestor) {
	if anc.Ghost {
		if _, known := a.parents[anc.ID]; !known {
			a.ghosts[anc.ID] = true
		}
		return
	}
	if _, known := a.parents[anc.ID]; known {
		return
	}
	delete(a.ghosts, anc.ID)
	a.parents[anc.ID] = anc.Parents
	a.repoOf[anc.ID] = repo
}

func ancestryError(repo vcs.Repository, err error) error {
	return fmt.Errorf("ancestry of %s: %w", repo.Location(), err)
}

// build merge sorts the collected ancestry and derives lines, merge
// relations, heads and tags.
func build(ctx context.Context, req Request, repos []vcs.Repository, heads []headSpec, anc *ancestry) (*Graph, error) {
	parents, repoOf, ghosts := anc.parents, anc.repoOf, anc.ghosts
	delete(ghosts, vcs.NullRevision)

	var topParents []vcs.RevisionID
	for _, h := range heads {
		if h.tree != nil {
			parents[h.id] = h.parents
		}
		if _, ok := parents[h.id]; ok && !slices.Contains(topParents, h.id) {
			topParents = append(topParents, h.id)
		}
	}
	for id, ps := range parents {
		parents[id] = slices.DeleteFunc(slices.Clone(ps), func(p vcs.RevisionID) bool {
			_, ok := parents[p]
			return !ok
		})
	}
	parents[topID] = topParents

	entries, err := mergesort.Sort(parents, topID)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 && entries[0].ID == topID {
		entries = entries[1:]
	}

	if req.UseBranchRevnos && len(req.Branches) == 1 && len(heads) == 1 && heads[0].tree == nil {
		revnos, err := req.Branches[0].Branch.RevisionNumbers(ctx)
		if err != nil {
			return nil, fmt.Errorf("revision numbers: %w", err)
		}
		for i := range entries {
			if r, ok := revnos[entries[i].ID]; ok && len(r) == len(entries[i].Revno) {
				entries[i].Revno = r
			}
		}
	}

	g := &Graph{
		Mode:     req.Mode,
		NoGraph:  req.NoGraph,
		Ghosts:   ghosts,
		Branches: req.Branches,
		Tags:     map[vcs.RevisionID][]string{},
		byID:     make(map[vcs.RevisionID]int, len(entries)),
		byLine:   map[string]int{},
		repoOf:   repoOf,
	}
	trees := map[vcs.RevisionID]*vcs.BranchInfo{}
	for _, h := range heads {
		if h.tree != nil {
			trees[h.id] = h.tree
		}
	}
	g.Nodes = make([]*Node, len(entries))
	for i, e := range entries {
		g.Nodes[i] = &Node{
			Index:      i,
			ID:         e.ID,
			Revno:      e.Revno,
			MergeDepth: e.MergeDepth,
			EndOfMerge: e.EndOfMerge,
			MergedBy:   -1,
			Tree:       trees[e.ID],
		}
		g.byID[e.ID] = i
	}
	for _, n := range g.Nodes {
		for _, p := range parents[n.ID] {
			pi := g.byID[p]
			n.Parents = append(n.Parents, pi)
			g.Nodes[pi].Children = append(g.Nodes[pi].Children, n.Index)
		}
	}
	g.buildLines()
	g.computeMergeInfo()
	g.computeHeads(heads)

	for _, repo := range repos {
		tags, err := repo.Tags(ctx)
		if err != nil {
			return nil, fmt.Errorf("tags of %s: %w", repo.Location(), err)
		}
		for id, names := range tags {
			if _, ok := g.byID[id]; ok {
				g.Tags[id] = append(g.Tags[id], names...)
			}
		}
	}
	return g, nil
}

// headsOf returns the heads of every branch in display order.
func headsOf(ctx context.Context, req Request) ([]headSpec, error) {
	all, err := collectHeads(ctx, req)
	if err != nil {
		return nil, err
	}
	var heads []headSpec
	for _, bh := range all {
		heads = append(heads, bh.heads...)
	}
	return heads, nil
}

// collectHeads returns the heads of every branch, primary first and the
// others newest tip first.
func collectHeads(ctx context.Context, req Request) ([]branchHeads, error) {
	var out []branchHeads
	for i, b := range req.Branches {
		if b == nil || b.Branch == nil {
			return nil, fmt.Errorf("branch %d has no handle", i)
		}
		_, tip, err := b.Branch.Tip(ctx)
		if err != nil {
			return nil, fmt.Errorf("tip of %s: %w", b.Label, err)
		}
		bh := branchHeads{branch: b, tip: tip}
		label := b.Label
		if tip != "" && tip != vcs.NullRevision {
			bh.heads = append(bh.heads, headSpec{id: tip, labels: labelList(label), branch: b})
		}
		if b.Tree != nil && req.Mode != ModeAncestry {
			treeParents, err := b.Tree.ParentIDs(ctx)
			if err != nil {
				return nil, fmt.Errorf("working tree of %s: %w", b.Label, err)
			}
			treeParents = slices.DeleteFunc(treeParents, func(id vcs.RevisionID) bool {
				return id == "" || id == vcs.NullRevision
			})
			synth := req.Mode == ModeWithWorkingTree || len(treeParents) > 1
			if synth && len(treeParents) > 0 {
				wt := headSpec{
					id:      vcs.WorkingTreeID(b.Tree.BaseDir()),
					labels:  []string{joinLabel(label, "Working Tree")},
					branch:  b,
					tree:    b,
					parents: treeParents,
				}
				bh.heads = append([]headSpec{wt}, bh.heads...)
				if treeParents[0] != tip {
					bh.heads = append(bh.heads, headSpec{id: treeParents[0], labels: []string{joinLabel(label, "Basis")}, branch: b})
				}
				for _, p := range treeParents[1:] {
					bh.heads = append(bh.heads, headSpec{id: p, labels: []string{joinLabel(label, "Pending Merge")}, branch: b})
				}
			}
		}
		if i != req.Primary && tip != "" {
			revs, err := b.Repository().Revisions(ctx, []vcs.RevisionID{tip})
			if err != nil {
				return nil, fmt.Errorf("tip of %s: %w", b.Label, err)
			}
			if rev, ok := revs[tip]; ok {
				bh.when = rev.Timestamp
			}
		}
		out = append(out, bh)
	}
	primary := out[req.Primary]
	others := slices.Delete(slices.Clone(out), req.Primary, req.Primary+1)
	slices.SortStableFunc(others, func(a, b branchHeads) int {
		return b.when.Compare(a.when)
	})
	return append([]branchHeads{primary}, others...), nil
}

func labelList(label string) []string {
	if label == "" {
		return nil
	}
	return []string{label}
}

func joinLabel(label, suffix string) string {
	if label == "" {
		return suffix
	}
	return label + " - " + suffix
}

func (g *Graph) buildLines() {
	for _, n := range g.Nodes {
		prefix := n.Revno.BranchPrefix()
		key := prefix.String()
		li, ok := g.byLine[key]
		if !ok {
			li = len(g.Lines)
			g.byLine[key] = li
			g.Lines = append(g.Lines, &BranchLine{
				Index:  li,
				Prefix: prefix,
				Color:  ColorFor(prefix),
			})
		}
		line := g.Lines[li]
		line.Nodes = append(line.Nodes, n.Index)
		n.Line = li
		n.Color = line.Color
	}
	g.Placement = make([]int, len(g.Lines))
	for i := range g.Lines {
		g.Placement[i] = i
	}
	// Deeper lines first, then higher values. Equal prefixes cannot occur,
	// the stable sort keeps discovery order for anything else.
	slices.SortStableFunc(g.Placement, func(a, b int) int {
		pa, pb := g.Lines[a].Prefix, g.Lines[b].Prefix
		if c := cmp.Compare(len(pb), len(pa)); c != 0 {
			return c
		}
		return pb.Compare(pa)
	})
}

func (g *Graph) computeMergeInfo() {
	setMergedBy := func(child, by int, lines bool) {
		if by < 0 {
			return
		}
		c := g.Nodes[child]
		c.MergedBy = by
		g.Nodes[by].Merges = append(g.Nodes[by].Merges, child)
		if lines {
			cl, bl := g.Lines[c.Line], g.Lines[g.Nodes[by].Line]
			if cl.Index != bl.Index && !slices.Contains(cl.MergedBy, bl.Index) {
				cl.MergedBy = append(cl.MergedBy, bl.Index)
				bl.Merges = append(bl.Merges, cl.Index)
			}
		}
	}
	for _, n := range g.Nodes {
		if len(n.Parents) == 0 {
			continue
		}
		left := g.Nodes[n.Parents[0]]
		if left.Line == n.Line {
			setMergedBy(left.Index, n.MergedBy, false)
		}
		for _, pi := range n.Parents[1:] {
			p := g.Nodes[pi]
			if n.MergeDepth <= p.MergeDepth {
				setMergedBy(pi, n.Index, true)
			}
		}
	}
}

func (g *Graph) computeHeads(specs []headSpec) {
	seen := map[vcs.RevisionID]int{}
	for _, h := range specs {
		ni, ok := g.byID[h.id]
		if !ok {
			continue
		}
		if at, dup := seen[h.id]; dup {
			g.Heads[at].Labels = append(g.Heads[at].Labels, h.labels...)
			continue
		}
		seen[h.id] = len(g.Heads)
		g.Heads = append(g.Heads, Head{Node: ni, Labels: slices.Clone(h.labels)})
		g.Lines[g.Nodes[ni].Line].Head = true
	}
	if len(g.Heads) == 1 {
		g.Heads[0].Unique = make([]int, len(g.Nodes))
		for i := range g.Nodes {
			g.Heads[0].Unique[i] = i
		}
		return
	}
	// owner is the single head reaching a node, -2 for shared nodes.
	owner := make([]int, len(g.Nodes))
	for i := range owner {
		owner[i] = -1
	}
	for hi, h := range g.Heads {
		stack := []int{h.Node}
		for len(stack) > 0 {
			ni := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			switch owner[ni] {
			case hi, -2:
				continue
			case -1:
				owner[ni] = hi
			default:
				owner[ni] = -2
			}
			stack = append(stack, g.Nodes[ni].Parents...)
		}
	}
	for ni, hi := range owner {
		if hi >= 0 {
			g.Heads[hi].Unique = append(g.Heads[hi].Unique, ni)
		}
	}
}

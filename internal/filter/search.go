package filter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/revcache"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

const (
	DefaultSearchLocalBatch  = 100
	DefaultSearchRemoteBatch = 10
)

type Field int

const (
	FieldMessage Field = iota
	FieldAuthor
	FieldBranchNick
	FieldTag
	FieldBug
	FieldIndex
)

var fieldNames = []string{"message", "author", "branchNick", "tag", "bug", "index"}

func (f Field) String() string {
	if f < 0 || int(f) >= len(fieldNames) {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// ParseField accepts field names case-insensitively.
func ParseField(s string) (Field, bool) {
	for i, name := range fieldNames {
		if strings.EqualFold(s, name) {
			return Field(i), true
		}
	}
	return FieldMessage, false
}

// Search names a field and the pattern to look for in it.
type Search struct {
	Field   Field
	Pattern string
}

// ParseSearch parses "field:pattern". Without a known field prefix the
// whole text is searched in messages.
func ParseSearch(s string) Search {
	if name, pattern, ok := strings.Cut(s, ":"); ok {
		if field, ok := ParseField(name); ok {
			return Search{Field: field, Pattern: pattern}
		}
	}
	return Search{Field: FieldMessage, Pattern: s}
}

func (s Search) String() string { return s.Field.String() + ":" + s.Pattern }

// GlobRegexp turns a glob into a case-insensitive regexp matching anywhere
// in the text.
func GlobRegexp(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)")
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			class, n, ok := globClass(glob[i+1:])
			if !ok {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(class)
			i += n
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", glob, err)
	}
	return re, nil
}

// globClass converts the bracket expression following a '[' into a regexp
// class and reports how many bytes it consumed, closing ']' included. A
// ']' right after the opening bracket or its negation is literal.
func globClass(s string) (class string, n int, ok bool) {
	j := 0
	negate := j < len(s) && (s[j] == '!' || s[j] == '^')
	if negate {
		j++
	}
	start := j
	if j < len(s) && s[j] == ']' {
		j++
	}
	end := strings.IndexByte(s[j:], ']')
	if end < 0 {
		return "", 0, false
	}
	end += j
	var b strings.Builder
	b.WriteByte('[')
	if negate {
		b.WriteByte('^')
	}
	for _, r := range s[start:end] {
		if r == '-' {
			b.WriteByte('-')
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteByte(']')
	return b.String(), end + 1, true
}

type SearchOptions struct {
	LocalBatch  int
	RemoteBatch int
}

// PropertySearchFilter shows revisions whose selected field matches the
// pattern. Bodies are loaded through the cache; undecided revisions stay
// hidden. Working tree revisions always pass.
type PropertySearchFilter struct {
	g      *loggraph.Graph
	cache  *revcache.Cache
	search Search
	re     *regexp.Regexp
	opts   SearchOptions

	matched  map[int]bool
	disabled bool
	failed   bool
	gen      uint64
	onChange ChangeFunc
	onError  func(error)
}

func NewPropertySearchFilter(g *loggraph.Graph, cache *revcache.Cache, s Search, opts SearchOptions) (*PropertySearchFilter, error) {
	f := &PropertySearchFilter{g: g, cache: cache, search: s, opts: opts, matched: map[int]bool{}}
	if f.opts.LocalBatch <= 0 {
		f.opts.LocalBatch = DefaultSearchLocalBatch
	}
	if f.opts.RemoteBatch <= 0 {
		f.opts.RemoteBatch = DefaultSearchRemoteBatch
	}
	if s.Field == FieldIndex {
		f.disabled = !slices.ContainsFunc(g.Branches, func(b *vcs.BranchInfo) bool { return b.Index != nil })
		return f, nil
	}
	re, err := GlobRegexp(s.Pattern)
	if err != nil {
		return nil, err
	}
	f.re = re
	return f, nil
}

func (f *PropertySearchFilter) Search() Search { return f.search }

func (f *PropertySearchFilter) OnChange(fn ChangeFunc) { f.onChange = fn }

func (f *PropertySearchFilter) OnError(fn func(error)) { f.onError = fn }

// Disabled reports whether the filter accepts everything because its
// field cannot be searched.
func (f *PropertySearchFilter) Disabled() bool { return f.disabled || f.failed }

func (f *PropertySearchFilter) Visible(n *loggraph.Node) bool {
	if f.Disabled() || n.IsWorkingTree() {
		return true
	}
	return f.matched[n.Index]
}

// Start evaluates the search on the loop.
func (f *PropertySearchFilter) Start(ctx context.Context, loop *eventloop.Loop) {
	f.gen++
	gen := f.gen
	clear(f.matched)
	f.failed = false
	switch {
	case f.disabled:
		slog.Debug("search field unavailable", slog.String("field", f.search.Field.String()))
		loop.Post(func() {
			if gen == f.gen {
				f.notify(nil, true)
			}
		})
	case f.search.Field == FieldIndex:
		loop.Post(func() {
			if gen == f.gen && ctx.Err() == nil {
				f.searchIndexes(ctx)
			}
		})
	case f.search.Field == FieldTag:
		loop.Post(func() {
			if gen != f.gen {
				return
			}
			var nodes []int
			for _, n := range f.g.Nodes {
				f.matched[n.Index] = f.matchAny(f.g.Tags[n.ID])
				nodes = append(nodes, n.Index)
			}
			f.notify(nodes, true)
		})
	default:
		f.loadBodies(ctx, loop, gen)
	}
}

func (f *PropertySearchFilter) searchIndexes(ctx context.Context) {
	hits := map[vcs.RevisionID]bool{}
	for _, b := range f.g.Branches {
		if b.Index == nil {
			continue
		}
		ids, err := b.Index.Search(ctx, f.search.Pattern)
		if err != nil {
			f.fail(fmt.Errorf("search index of %s: %w", b.Label, err))
			return
		}
		for _, id := range ids {
			hits[id] = true
		}
	}
	nodes := make([]int, 0, len(f.g.Nodes))
	for _, n := range f.g.Nodes {
		f.matched[n.Index] = hits[n.ID]
		nodes = append(nodes, n.Index)
	}
	f.notify(nodes, true)
}

func (f *PropertySearchFilter) loadBodies(ctx context.Context, loop *eventloop.Loop, gen uint64) {
	ids := make([]vcs.RevisionID, 0, len(f.g.Nodes))
	for _, n := range f.g.Nodes {
		if !n.IsWorkingTree() {
			ids = append(ids, n.ID)
		}
	}
	f.cache.Load(ctx, loop, ids, f.g.RepositoryFor, revcache.LoadOptions{
		LocalBatch:  f.opts.LocalBatch,
		RemoteBatch: f.opts.RemoteBatch,
		FirstUpdate: revcache.EveryBatch,
		PassCached:  true,
		Cancelled:   func() bool { return gen != f.gen },
		OnLoaded: func(loaded map[vcs.RevisionID]*vcs.Revision, last bool) {
			nodes := make([]int, 0, len(loaded))
			for id, rev := range loaded {
				n, ok := f.g.Lookup(id)
				if !ok {
					continue
				}
				f.matched[n.Index] = f.matches(rev)
				nodes = append(nodes, n.Index)
			}
			f.notify(nodes, last)
		},
		OnError: func(err error) {
			f.fail(fmt.Errorf("load revisions for search: %w", err))
		},
	})
}

func (f *PropertySearchFilter) matches(rev *vcs.Revision) bool {
	if rev == nil || rev.Missing {
		return false
	}
	switch f.search.Field {
	case FieldMessage:
		return f.re.MatchString(rev.Message)
	case FieldAuthor:
		return f.re.MatchString(rev.Committer) || f.matchAny(rev.AuthorList())
	case FieldBranchNick:
		return f.re.MatchString(rev.BranchNick())
	case FieldBug:
		return f.matchAny(rev.Bugs())
	case FieldTag:
		return f.matchAny(f.g.Tags[rev.ID])
	}
	return false
}

func (f *PropertySearchFilter) matchAny(values []string) bool {
	return slices.ContainsFunc(values, f.re.MatchString)
}

func (f *PropertySearchFilter) Stop() { f.gen++ }

func (f *PropertySearchFilter) fail(err error) {
	slog.Error("search filter disabled", slog.Any("error", err))
	f.failed = true
	f.gen++
	if f.onError != nil {
		f.onError(err)
	}
	all := make([]int, len(f.g.Nodes))
	for i := range all {
		all[i] = i
	}
	f.notify(all, true)
}

func (f *PropertySearchFilter) notify(nodes []int, last bool) {
	if f.onChange != nil {
		f.onChange(nodes, last)
	}
}

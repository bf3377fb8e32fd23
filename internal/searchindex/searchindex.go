// Package searchindex stores revision texts in SQLite and answers word
// queries over them. It backs the "index" search field.
package searchindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thiagokokada/qlog-go/internal/vcs"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS revisions (
	id        TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	text      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS revisions_timestamp ON revisions(timestamp);
`

// DefaultBatch is the number of bodies fetched per call while building.
const DefaultBatch = 200

// Index is a vcs.SearchIndex over a SQLite database.
type Index struct {
	db *sql.DB
}

// Open opens or creates the index at path.
func Open(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Join(fmt.Errorf("enabling WAL mode: %w", err), db.Close())
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Join(fmt.Errorf("applying schema: %w", err), db.Close())
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// Text is what a revision is indexed under.
func Text(rev *vcs.Revision) string {
	parts := []string{rev.Message, rev.Committer}
	parts = append(parts, rev.AuthorList()...)
	if nick := rev.BranchNick(); nick != "" {
		parts = append(parts, nick)
	}
	parts = append(parts, rev.Bugs()...)
	return strings.ToLower(strings.Join(parts, "\n"))
}

// Add indexes revs, replacing earlier entries with the same id.
func (ix *Index) Add(ctx context.Context, revs []*vcs.Revision) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO revisions (id, timestamp, text) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Join(fmt.Errorf("prepare insert: %w", err), tx.Rollback())
	}
	defer stmt.Close()
	for _, rev := range revs {
		if rev == nil || rev.Missing {
			continue
		}
		if _, err := stmt.ExecContext(ctx, string(rev.ID), rev.Timestamp.Unix(), Text(rev)); err != nil {
			return errors.Join(fmt.Errorf("insert %s: %w", rev.ID, err), tx.Rollback())
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index: %w", err)
	}
	return nil
}

// Has reports whether id is indexed.
func (ix *Index) Has(ctx context.Context, id vcs.RevisionID) (bool, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions WHERE id = ?`, string(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", id, err)
	}
	return n > 0, nil
}

func (ix *Index) Len(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM revisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count revisions: %w", err)
	}
	return n, nil
}

// Search returns the revisions containing every word of query, newest
// first. Matching ignores case.
func (ix *Index) Search(ctx context.Context, query string) ([]vcs.RevisionID, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString(`SELECT id FROM revisions WHERE `)
	args := make([]any, 0, len(words))
	for i, w := range words {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(`text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(w)+"%")
	}
	b.WriteString(` ORDER BY timestamp DESC, id`)
	rows, err := ix.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	defer rows.Close()
	var out []vcs.RevisionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, vcs.RevisionID(id))
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Build indexes every revision reachable from starts that is not indexed
// yet, fetching bodies batch at a time under a read lock.
func (ix *Index) Build(ctx context.Context, repo vcs.Repository, starts []vcs.RevisionID, batch int) (int, error) {
	if batch <= 0 {
		batch = DefaultBatch
	}
	unlock, err := repo.LockRead()
	if err != nil {
		return 0, fmt.Errorf("lock %s: %w", repo.Location(), err)
	}
	added, err := ix.build(ctx, repo, starts, batch)
	if uerr := unlock(); uerr != nil {
		err = errors.Join(err, fmt.Errorf("unlock %s: %w", repo.Location(), uerr))
	}
	return added, err
}

func (ix *Index) build(ctx context.Context, repo vcs.Repository, starts []vcs.RevisionID, batch int) (int, error) {
	var pending []vcs.RevisionID
	added := 0
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		revs, err := repo.Revisions(ctx, pending)
		if err != nil {
			return fmt.Errorf("fetch revisions: %w", err)
		}
		list := make([]*vcs.Revision, 0, len(revs))
		for _, id := range pending {
			if rev, ok := revs[id]; ok {
				list = append(list, rev)
			}
		}
		if err := ix.Add(ctx, list); err != nil {
			return err
		}
		added += len(list)
		slog.Debug("indexed revisions", slog.Int("batch", len(list)), slog.Int("total", added))
		pending = pending[:0]
		return nil
	}
	for anc, err := range repo.Ancestry(ctx, starts) {
		if err != nil {
			return added, fmt.Errorf("walk ancestry: %w", err)
		}
		if anc.Ghost {
			continue
		}
		ok, err := ix.Has(ctx, anc.ID)
		if err != nil {
			return added, err
		}
		if ok {
			continue
		}
		pending = append(pending, anc.ID)
		if len(pending) >= batch {
			if err := flush(); err != nil {
				return added, err
			}
		}
	}
	if err := flush(); err != nil {
		return added, err
	}
	return added, nil
}

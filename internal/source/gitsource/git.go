// Package gitsource reads commits from a git repository with go-git.
package gitsource

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/strata-log/strata/internal/extraction"
	"github.com/strata-log/strata/internal/schema"
	"github.com/strata-log/strata/internal/source"
	"github.com/strata-log/strata/pkg/types"
)

// Reader emits one vcs.commit candidate per non-merge commit reachable from
// a reference (HEAD by default). Each commit is one unit fingerprinted by
// its hash.
type Reader struct {
	path string
	repo *git.Repository
	ref  string
}

// Open opens the repository at path.
func Open(path string) (*Reader, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("gitsource: failed to open repository %s: %w", path, err)
	}
	return &Reader{path: path, repo: repo}, nil
}

// WithBranch restricts the walk to a branch instead of HEAD.
func (r *Reader) WithBranch(branch string) *Reader {
	r.ref = branch
	return r
}

// Kind implements source.Reader.
func (r *Reader) Kind() string { return extraction.KindGit }

// Units walks the history from the starting reference, oldest commit first.
func (r *Reader) Units(ctx context.Context, fn func(source.Unit) error) error {
	start, err := r.start()
	if err != nil {
		return err
	}
	iter, err := r.repo.Log(&git.LogOptions{From: start, Order: git.LogOrderCommitterTime})
	if err != nil {
		return fmt.Errorf("gitsource: failed to read log: %w", err)
	}
	defer iter.Close()

	var commits []*object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.NumParents() > 1 {
			return nil
		}
		commits = append(commits, c)
		return nil
	})
	if err != nil {
		return fmt.Errorf("gitsource: failed to walk log: %w", err)
	}

	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		sha := c.Hash.String()
		err := fn(source.Unit{
			ID:          sha,
			Fingerprint: sha,
			Load: func(ctx context.Context) ([]types.Candidate, error) {
				cand, err := r.candidate(c)
				if err != nil {
					return nil, err
				}
				return []types.Candidate{cand}, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) start() (plumbing.Hash, error) {
	if r.ref != "" {
		ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(r.ref), true)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("gitsource: branch %s not found: %w", r.ref, err)
		}
		return ref.Hash(), nil
	}
	head, err := r.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("gitsource: failed to resolve HEAD: %w", err)
	}
	return head.Hash(), nil
}

func (r *Reader) candidate(c *object.Commit) (types.Candidate, error) {
	files, err := commitFiles(c)
	if err != nil {
		return types.Candidate{}, fmt.Errorf("gitsource: failed to diff %s: %w", c.Hash, err)
	}
	p := schema.CommitPayload{
		SHA:         c.Hash.String(),
		Message:     strings.TrimSpace(c.Message),
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		Files:       files,
	}
	return types.NewCandidate(schema.TypeCommit, c.Author.When.UTC(), p.SHA, r.path, p)
}

// commitFiles returns the files changed by c against its first parent,
// sorted by path.
func commitFiles(c *object.Commit) ([]schema.CommitFile, error) {
	stats, err := c.Stats()
	if err != nil {
		return nil, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}
	var parentTree *object.Tree
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return nil, err
		}
		if parentTree, err = parent.Tree(); err != nil {
			return nil, err
		}
	}

	byPath := make(map[string]schema.CommitFile, len(stats))
	for _, s := range stats {
		f := schema.CommitFile{Path: s.Name, LinesAdded: s.Addition, LinesRemoved: s.Deletion}
		if _, to, ok := strings.Cut(s.Name, " => "); ok {
			f.Path = to
			f.ChangeType = schema.ChangeRenamed
		} else {
			f.ChangeType = changeType(parentTree, tree, s.Name)
		}
		if prev, ok := byPath[f.Path]; ok {
			f.LinesAdded += prev.LinesAdded
			f.LinesRemoved += prev.LinesRemoved
		}
		byPath[f.Path] = f
	}

	files := make([]schema.CommitFile, 0, len(byPath))
	for _, f := range byPath {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func changeType(parent, tree *object.Tree, path string) string {
	inParent := parent != nil && hasFile(parent, path)
	inTree := hasFile(tree, path)
	switch {
	case !inParent && inTree:
		return schema.ChangeAdded
	case inParent && !inTree:
		return schema.ChangeDeleted
	default:
		return schema.ChangeModified
	}
}

func hasFile(t *object.Tree, path string) bool {
	_, err := t.File(path)
	return err == nil
}

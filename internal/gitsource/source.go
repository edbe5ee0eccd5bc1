// Package gitsource reads the files a commit changed, using go-git.
//
// A remote repository is cloned into memory with the run's bearer token as
// an x-access-token password, so nothing is written to disk. A local path
// is opened in place.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/JonMunkholm/csvmerge/internal/ingest"
	"github.com/JonMunkholm/csvmerge/internal/logging"
)

// DefaultMaxFileSize caps a fetched file at 100MB.
const DefaultMaxFileSize int64 = 100 << 20

// ErrFileTooLarge is returned when a file exceeds the configured cap.
var ErrFileTooLarge = errors.New("file too large")

// Opener opens a repository for one run.
type Opener struct {
	url         string
	path        string
	maxFileSize int64
}

// NewCloneOpener clones url on every Open.
func NewCloneOpener(url string, maxFileSize int64) *Opener {
	return &Opener{url: url, maxFileSize: sizeOrDefault(maxFileSize)}
}

// NewLocalOpener opens the repository at path on every Open.
func NewLocalOpener(path string, maxFileSize int64) *Opener {
	return &Opener{path: path, maxFileSize: sizeOrDefault(maxFileSize)}
}

func sizeOrDefault(n int64) int64 {
	if n <= 0 {
		return DefaultMaxFileSize
	}
	return n
}

// Open returns a Reader over the repository. An empty token clones anonymously.
func (o *Opener) Open(ctx context.Context, token ingest.BearerToken) (ingest.SourceReader, error) {
	if o.path != "" {
		repo, err := git.PlainOpen(o.path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", o.path, err)
		}
		return NewReader(repo, o.maxFileSize), nil
	}

	opts := &git.CloneOptions{URL: o.url, Tags: git.NoTags}
	if token.Value != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: token.Value}
	}

	log := logging.FromContext(ctx).With("url", o.url)
	log.Debug("cloning repository")

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, opts)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", o.url, err)
	}

	log.Debug("clone completed")
	return NewReader(repo, o.maxFileSize), nil
}

// Reader answers ListChangedFiles and FetchFileContent from a repository.
// It is safe for concurrent use.
type Reader struct {
	mu          sync.Mutex
	repo        *git.Repository
	maxFileSize int64
}

// NewReader wraps an already opened repository.
func NewReader(repo *git.Repository, maxFileSize int64) *Reader {
	return &Reader{repo: repo, maxFileSize: sizeOrDefault(maxFileSize)}
}

// ListChangedFiles returns the paths commitRef added or modified relative to
// its first parent, sorted. Deleted paths are left out. For a root commit
// every file in the tree counts as added.
func (r *Reader) ListChangedFiles(ctx context.Context, commitRef string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	commit, err := r.commit(commitRef)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", commitRef, err)
	}

	var paths []string
	if commit.NumParents() == 0 {
		err := tree.Files().ForEach(func(f *object.File) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			paths = append(paths, f.Name)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk tree of %s: %w", commitRef, err)
		}
		sort.Strings(paths)
		return paths, nil
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("parent of %s: %w", commitRef, err)
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", parent.Hash, err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", commitRef, err)
	}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", commitRef, err)
		}
		if action == merkletrie.Delete {
			continue
		}
		paths = append(paths, ch.To.Name)
	}
	sort.Strings(paths)
	return paths, nil
}

// FetchFileContent returns the bytes of path as of commitRef.
func (r *Reader) FetchFileContent(ctx context.Context, path, commitRef string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	commit, err := r.commit(commitRef)
	if err != nil {
		return nil, err
	}
	file, err := commit.File(path)
	if err != nil {
		return nil, fmt.Errorf("%s at %s: %w", path, commitRef, err)
	}
	if file.Size > r.maxFileSize {
		return nil, fmt.Errorf("%s is %d bytes, limit %d: %w", path, file.Size, r.maxFileSize, ErrFileTooLarge)
	}

	rd, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer rd.Close()

	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (r *Reader) commit(ref string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", hash, err)
	}
	return commit, nil
}

package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

// GitWorkspace is the go-git backed Workspace. Raw commands go through the
// git binary; structured reads (versions, conflicts) go through go-git so
// they work without forking a process per resource.
type GitWorkspace struct {
	path   string
	repo   *git.Repository
	logger *zap.Logger

	committerName  string
	committerEmail string
}

// GitOption configures a GitWorkspace.
type GitOption func(*GitWorkspace)

// WithCommitter overrides the identity used for Describe commits.
func WithCommitter(name, email string) GitOption {
	return func(w *GitWorkspace) {
		w.committerName = name
		w.committerEmail = email
	}
}

// Open opens the git repository at path.
func Open(path string, logger *zap.Logger, opts ...GitOption) (*GitWorkspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	w := &GitWorkspace{
		path:           path,
		repo:           repo,
		logger:         logger,
		committerName:  "coordd",
		committerEmail: "coordd@localhost",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Execute runs a raw git command in the workspace directory. A non-zero
// exit is reported in the Result, not as an error; errors mean the command
// could not run at all.
func (w *GitWorkspace) Execute(ctx context.Context, args []string) (*Result, error) {
	if len(args) == 0 {
		return nil, errors.New("no command arguments")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.path

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			w.logger.Debug("git command failed",
				zap.Strings("args", args),
				zap.Int("exit_code", result.ExitCode))
			return result, nil
		}
		return nil, fmt.Errorf("running git %s: %w", strings.Join(args, " "), err)
	}
	return result, nil
}

// Describe commits the staged state with the given message.
func (w *GitWorkspace) Describe(_ context.Context, message string) (*OperationRef, error) {
	if message == "" {
		return nil, errors.New("describe message cannot be empty")
	}

	wt, err := w.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}

	sig := &object.Signature{
		Name:  w.committerName,
		Email: w.committerEmail,
		When:  time.Now(),
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            sig,
		Committer:         sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}

	return &OperationRef{
		CommitID:  hash.String(),
		Branch:    w.branch(),
		Message:   message,
		Timestamp: sig.When,
	}, nil
}

// NativeConflicts lists unmerged paths. Git keeps a conflicted path as
// multiple index entries, one per merge stage, so any path with more than
// one entry is unmerged.
func (w *GitWorkspace) NativeConflicts(_ context.Context) ([]NativeConflict, error) {
	idx, err := w.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	stagesByPath := make(map[string][]int)
	for _, entry := range idx.Entries {
		stagesByPath[entry.Name] = append(stagesByPath[entry.Name], int(entry.Stage))
	}

	var out []NativeConflict
	for path, stages := range stagesByPath {
		if len(stages) < 2 {
			continue
		}
		sort.Ints(stages)
		out = append(out, NativeConflict{Resource: path, Stages: stages})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// Versions returns the committed, staged, and working-copy content of a
// resource. Each version that does not exist comes back empty, so newly
// added files merge against an empty base.
func (w *GitWorkspace) Versions(_ context.Context, resource string) (base, ours, theirs string, err error) {
	base, err = w.headContent(resource)
	if err != nil {
		return "", "", "", fmt.Errorf("reading HEAD content of %s: %w", resource, err)
	}
	ours, err = w.indexContent(resource)
	if err != nil {
		return "", "", "", fmt.Errorf("reading staged content of %s: %w", resource, err)
	}
	theirs, err = w.worktreeContent(resource)
	if err != nil {
		return "", "", "", fmt.Errorf("reading working copy of %s: %w", resource, err)
	}
	return base, ours, theirs, nil
}

func (w *GitWorkspace) headContent(resource string) (string, error) {
	head, err := w.repo.Head()
	if err != nil {
		// Unborn HEAD: everything merges against an empty base.
		return "", nil
	}
	commit, err := w.repo.CommitObject(head.Hash())
	if err != nil {
		return "", err
	}
	file, err := commit.File(resource)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return file.Contents()
}

func (w *GitWorkspace) indexContent(resource string) (string, error) {
	idx, err := w.repo.Storer.Index()
	if err != nil {
		return "", err
	}
	entry, err := idx.Entry(resource)
	if err != nil {
		// Not staged.
		return "", nil
	}
	blob, err := w.repo.BlobObject(entry.Hash)
	if err != nil {
		return "", err
	}
	r, err := blob.Reader()
	if err != nil {
		return "", err
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func (w *GitWorkspace) worktreeContent(resource string) (string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return "", err
	}
	f, err := wt.Filesystem.Open(resource)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// branch returns the current branch name, empty on detached HEAD.
func (w *GitWorkspace) branch() string {
	head, err := w.repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return ""
}

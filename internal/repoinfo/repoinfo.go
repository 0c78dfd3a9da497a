// Package repoinfo provides read-only git repository detection for
// bootstrap: is the working directory inside a repo, and what branch is
// checked out, narrowed to the fields the composition root needs to
// decide whether the shadow-session subsystem can be enabled. Uses
// go-git read-only, distinct from the subprocess-only write path in
// internal/gitsession.
package repoinfo

import (
	gogit "github.com/go-git/go-git/v5"
)

// Info describes the repository (if any) containing a working directory.
type Info struct {
	IsRepo bool
	Root   string
	Branch string
}

// Detect inspects dir and its ancestors for a git repository. A directory
// outside any repository yields a zero-value Info with IsRepo false,
// never an error — the caller treats "not a repo" as a normal outcome,
// not a failure.
func Detect(dir string) Info {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Info{}
	}

	info := Info{IsRepo: true}

	if wt, err := repo.Worktree(); err == nil {
		info.Root = wt.Filesystem.Root()
	}

	ref, err := repo.Head()
	if err != nil {
		return info
	}
	if ref.Name().IsBranch() {
		info.Branch = ref.Name().Short()
	} else {
		hash := ref.Hash().String()
		if len(hash) > 7 {
			hash = hash[:7]
		}
		info.Branch = hash
	}
	return info
}

// Package git provides the small amount of repository awareness the
// coordinator needs: finding the repo root that anchors the state directory
// and naming the branch workers report against.
package git

import (
	"fmt"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
)

// IsGitRepo checks if the given path is within a git repository.
func IsGitRepo(path string) bool {
	_, err := FindGitRepoRoot(path)
	return err == nil
}

// FindGitRepoRoot walks up from path until it finds a git repo root.
func FindGitRepoRoot(path string) (string, error) {
	currentPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := gogit.PlainOpen(currentPath); err == nil {
			return currentPath, nil
		}
		parent := filepath.Dir(currentPath)
		if parent == currentPath {
			return "", fmt.Errorf("no git repository found above %s", path)
		}
		currentPath = parent
	}
}

// CurrentBranch returns the short name of the checked-out branch at repoRoot.
func CurrentBranch(repoRoot string) (string, error) {
	repo, err := gogit.PlainOpen(repoRoot)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	return head.Name().Short(), nil
}

package git

import (
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	return dir
}

func TestFindGitRepoRootWalksUp(t *testing.T) {
	root := initRepo(t)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	found, err := FindGitRepoRoot(nested)
	require.NoError(t, err)

	// TempDir paths may contain symlinks; compare resolved paths.
	wantResolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	gotResolved, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	require.Equal(t, wantResolved, gotResolved)
}

func TestIsGitRepo(t *testing.T) {
	require.True(t, IsGitRepo(initRepo(t)))
	require.False(t, IsGitRepo(t.TempDir()))
}

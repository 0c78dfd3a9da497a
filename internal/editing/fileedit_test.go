package editing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysApprove struct{}

func (alwaysApprove) Decide(req FileEditRequest, diff string, stats Stats) ApprovalDecision {
	return ApprovalDecision{Approved: true}
}

type alwaysReject struct{}

func (alwaysReject) Decide(req FileEditRequest, diff string, stats Stats) ApprovalDecision {
	return ApprovalDecision{Approved: false}
}

func TestWriteFileAtomicAndApproved(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, NewApprovalService(alwaysApprove{}), 0)

	_, _, err := svc.WriteFile(filepath.Join(root, "out.txt"), "hello\n", true)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(root, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(got))
}

func TestWriteFileRejectedLeavesFileUntouched(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("original\n"), 0o644))

	svc := NewService(root, NewApprovalService(alwaysReject{}), 0)
	_, _, err := svc.WriteFile(target, "changed\n", true)
	require.Error(t, err)
	var fe *FileEditError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrUserCancelled, fe.Code)

	got, _ := os.ReadFile(target)
	assert.Equal(t, "original\n", string(got))
}

func TestWriteFilePathOutOfRoot(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, NewApprovalService(alwaysApprove{}), 0)
	_, _, err := svc.WriteFile("/etc/passwd", "x", false)
	require.Error(t, err)
	var fe *FileEditError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrPathOutOfRoot, fe.Code)
}

func TestReplaceInFileNoOccurrence(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("abc\n"), 0o644))

	svc := NewService(root, NewApprovalService(alwaysApprove{}), 0)
	_, _, err := svc.ReplaceInFile(target, "zzz", "yyy", nil, false)
	require.Error(t, err)
	var fe *FileEditError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrNoOccurrence, fe.Code)
}

func TestReplaceInFileOccurrenceMismatch(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("a a a\n"), 0o644))

	svc := NewService(root, NewApprovalService(alwaysApprove{}), 0)
	expected := 2
	_, _, err := svc.ReplaceInFile(target, "a", "b", &expected, false)
	require.Error(t, err)
	var fe *FileEditError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrOccurrenceMismatch, fe.Code)
}

func TestReplaceInFileNoChange(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("same\n"), 0o644))

	svc := NewService(root, NewApprovalService(alwaysApprove{}), 0)
	_, _, err := svc.ReplaceInFile(target, "same", "same", nil, false)
	require.Error(t, err)
	var fe *FileEditError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrNoChange, fe.Code)
}

func TestBinaryFileDetection(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "bin.dat")
	require.NoError(t, os.WriteFile(target, []byte{0x00, 0x01, 'a', 'b'}, 0o644))

	svc := NewService(root, NewApprovalService(alwaysApprove{}), 0)
	_, _, err := svc.ReplaceInFile(target, "ab", "cd", nil, false)
	require.Error(t, err)
	var fe *FileEditError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, ErrBinaryFile, fe.Code)
}

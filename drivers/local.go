// Package drivers provides a reference StorageBackend implementation on top of an
// afero.Fs, rooted at one directory per user. It is a concrete collaborator behind the
// engine's storage adapter contract (github.com/corewind/ftpserver), not a dependency
// the core engine imports.
package drivers

import (
	"crypto/md5"  //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"

	ftpserver "github.com/corewind/ftpserver"
)

// LocalBackend adapts an afero filesystem, rooted at the baseDir given to NewLocalBackend,
// to the StorageBackend contract. The embedder's MainDriver.StorageBackendFor constructs
// one per authenticated user, rooted at that user's home directory via
// afero.NewBasePathFs so path traversal outside of it is impossible at the afero layer.
type LocalBackend struct {
	fs afero.Fs
}

// NewLocalBackend roots fs at baseDir (creating it if missing) and returns a StorageBackend
// backed by it.
func NewLocalBackend(fs afero.Fs, baseDir string) (*LocalBackend, error) {
	if err := fs.MkdirAll(baseDir, 0750); err != nil {
		return nil, err
	}

	return &LocalBackend{fs: afero.NewBasePathFs(fs, baseDir)}, nil
}

func mapFsErr(err error, op string) error {
	if err == nil {
		return nil
	}

	switch {
	case os.IsNotExist(err):
		return ftpserver.NewStorageError(ftpserver.ErrKindNotFound, op, err)
	case os.IsPermission(err):
		return ftpserver.NewStorageError(ftpserver.ErrKindPermissionDenied, op, err)
	case os.IsExist(err):
		return ftpserver.NewStorageError(ftpserver.ErrKindExists, op, err)
	default:
		return ftpserver.NewStorageError(ftpserver.ErrKindTransientFailure, op, err)
	}
}

// Metadata implements StorageBackend.
func (b *LocalBackend) Metadata(_ *ftpserver.UserDetail, path string) (ftpserver.FileInfo, error) {
	info, err := b.fs.Stat(path)
	if err != nil {
		return ftpserver.FileInfo{}, mapFsErr(err, "stat")
	}

	return ftpserver.NewFileInfo(info.Name(), info.Size(), info.Mode(), info.ModTime(), info.IsDir()), nil
}

// List implements StorageBackend.
func (b *LocalBackend) List(_ *ftpserver.UserDetail, path string) ([]ftpserver.FileInfo, error) {
	entries, err := afero.ReadDir(b.fs, path)
	if err != nil {
		return nil, mapFsErr(err, "readdir")
	}

	files := make([]ftpserver.FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, ftpserver.NewFileInfo(e.Name(), e.Size(), e.Mode(), e.ModTime(), e.IsDir()))
	}

	return files, nil
}

// Get implements StorageBackend.
func (b *LocalBackend) Get(_ *ftpserver.UserDetail, path string, startOffset int64) (io.ReadCloser, error) {
	file, err := b.fs.Open(path)
	if err != nil {
		return nil, mapFsErr(err, "open")
	}

	if startOffset > 0 {
		if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
			_ = file.Close()

			return nil, mapFsErr(err, "seek")
		}
	}

	return file, nil
}

// Put implements StorageBackend.
func (b *LocalBackend) Put(_ *ftpserver.UserDetail, path string, src io.Reader, startOffset int64) (int64, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if startOffset == 0 {
		flags |= os.O_TRUNC
	}

	file, err := b.fs.OpenFile(path, flags, 0644)
	if err != nil {
		return 0, mapFsErr(err, "openfile")
	}
	defer file.Close() //nolint:errcheck

	if startOffset > 0 {
		if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
			return 0, mapFsErr(err, "seek")
		}
	}

	written, err := io.Copy(file, src)
	if err != nil {
		return written, mapFsErr(err, "write")
	}

	return written, nil
}

// Del implements StorageBackend.
func (b *LocalBackend) Del(_ *ftpserver.UserDetail, path string) error {
	return mapFsErr(b.fs.Remove(path), "remove")
}

// Mkd implements StorageBackend.
func (b *LocalBackend) Mkd(_ *ftpserver.UserDetail, path string) error {
	return mapFsErr(b.fs.Mkdir(path, 0755), "mkdir")
}

// Rmd implements StorageBackend.
func (b *LocalBackend) Rmd(_ *ftpserver.UserDetail, path string) error {
	return mapFsErr(b.fs.Remove(path), "rmdir")
}

// Rename implements StorageBackend.
func (b *LocalBackend) Rename(_ *ftpserver.UserDetail, from, to string) error {
	return mapFsErr(b.fs.Rename(from, to), "rename")
}

// Cwd implements StorageBackend.
func (b *LocalBackend) Cwd(_ *ftpserver.UserDetail, path string) (string, error) {
	info, err := b.fs.Stat(path)
	if err != nil {
		return "", mapFsErr(err, "stat")
	}

	if !info.IsDir() {
		return "", ftpserver.NewStorageError(ftpserver.ErrKindNotADirectory, "cwd", nil)
	}

	return path, nil
}

// Md5 implements the optional Md5Capable extension.
func (b *LocalBackend) Md5(user *ftpserver.UserDetail, path string) (string, error) {
	digest, err := b.digest(path, md5.New()) //nolint:gosec
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(digest), nil
}

// ComputeHash implements the optional HashCapable extension backing HASH/XCRC/XSHA*.
func (b *LocalBackend) ComputeHash(
	_ *ftpserver.UserDetail, path string, algo ftpserver.HASHAlgo, startOffset, endOffset int64,
) (string, error) {
	file, err := b.fs.Open(path)
	if err != nil {
		return "", mapFsErr(err, "open")
	}
	defer file.Close() //nolint:errcheck

	if startOffset > 0 {
		if _, err := file.Seek(startOffset, io.SeekStart); err != nil {
			return "", mapFsErr(err, "seek")
		}
	}

	var reader io.Reader = file
	if endOffset > startOffset {
		reader = io.LimitReader(file, endOffset-startOffset)
	}

	h := newHasher(algo)

	if _, err := io.Copy(h, reader); err != nil {
		return "", mapFsErr(err, "read")
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func newHasher(algo ftpserver.HASHAlgo) hash.Hash {
	switch algo {
	case ftpserver.HASHAlgoCRC32:
		return crc32.NewIEEE()
	case ftpserver.HASHAlgoSHA1:
		return sha1.New() //nolint:gosec
	case ftpserver.HASHAlgoSHA256:
		return sha256.New()
	case ftpserver.HASHAlgoSHA512:
		return sha512.New()
	case ftpserver.HASHAlgoMD5:
		fallthrough
	default:
		return md5.New() //nolint:gosec
	}
}

func (b *LocalBackend) digest(path string, h hash.Hash) ([]byte, error) {
	file, err := b.fs.Open(path)
	if err != nil {
		return nil, mapFsErr(err, "open")
	}
	defer file.Close() //nolint:errcheck

	if _, err := io.Copy(h, file); err != nil {
		return nil, mapFsErr(err, "read")
	}

	return h.Sum(nil), nil
}

// Chmod implements the optional ChmodCapable extension.
func (b *LocalBackend) Chmod(_ *ftpserver.UserDetail, path string, mode os.FileMode) error {
	return mapFsErr(b.fs.Chmod(path, mode), "chmod")
}

// Chown implements the optional ChownCapable extension. The local driver has no concept of
// Unix ownership (afero doesn't expose chown), so it validates the request and no-ops.
func (b *LocalBackend) Chown(_ *ftpserver.UserDetail, path string, _, _ int) error {
	_, err := b.fs.Stat(path)

	return mapFsErr(err, "chown")
}

// Symlink implements the optional SymlinkCapable extension, when the underlying afero.Fs
// supports it.
func (b *LocalBackend) Symlink(_ *ftpserver.UserDetail, oldname, newname string) error {
	if linker, ok := b.fs.(afero.Linker); ok {
		return mapFsErr(linker.SymlinkIfPossible(oldname, newname), "symlink")
	}

	return ftpserver.NewStorageError(ftpserver.ErrKindPermanentFailure, "symlink", afero.ErrNoSymlink)
}

// Chtimes implements the optional MfmtCapable extension backing MFMT.
func (b *LocalBackend) Chtimes(_ *ftpserver.UserDetail, path string, mtime time.Time) error {
	return mapFsErr(b.fs.Chtimes(path, mtime, mtime), "chtimes")
}

// AllocateSpace implements the optional AllocateCapable extension backing ALLO. The local
// driver never pre-allocates; it only reports that the request is acceptable.
func (b *LocalBackend) AllocateSpace(_ *ftpserver.UserDetail, _ int) error {
	return nil
}

// GetAvailableSpace implements the optional AvailableSpaceCapable extension backing AVBL.
func (b *LocalBackend) GetAvailableSpace(_ *ftpserver.UserDetail, _ string) (int64, error) {
	return availableSpace()
}

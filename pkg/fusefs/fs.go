// Package fusefs implements the FUSE adapter: a POSIX-subset view of the
// primary data dir where every regular file is a manifest over the chunk
// store. Writes stage dirty 1 MiB chunks in the open handle and commit on
// close; reads verify every chunk against its address before returning bytes.
//
// Symlinks, xattrs, chmod/chown, device nodes and hardlinks are deliberately
// not supported.
package fusefs

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	"github.com/sirupsen/logrus"

	"github.com/wyvernglobal/junknas/pkg/chunkstore"
	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
	"github.com/wyvernglobal/junknas/pkg/manifest"
	"github.com/wyvernglobal/junknas/pkg/refindex"
)

// FileSystem is the pathfs implementation backed by the chunk store and the
// refcount index.
type FileSystem struct {
	pathfs.FileSystem

	root   string
	chunks *chunkstore.Store
	refs   *refindex.Index
	log    *logrus.Entry
}

// New creates the filesystem over the primary root.
func New(root string, chunks *chunkstore.Store, refs *refindex.Index, log *logrus.Logger) *FileSystem {
	return &FileSystem{
		FileSystem: pathfs.NewDefaultFileSystem(),
		root:       root,
		chunks:     chunks,
		refs:       refs,
		log:        log.WithField("component", "fusefs"),
	}
}

// String implements pathfs.FileSystem.
func (f *FileSystem) String() string {
	return "junknas"
}

// errnoStatus maps the runtime's error kinds onto FUSE statuses.
func errnoStatus(err error) fuse.Status {
	switch {
	case err == nil:
		return fuse.OK
	case errors.Is(err, errs.ErrNotFound):
		return fuse.ENOENT
	case errors.Is(err, errs.ErrInvalidArgument):
		return fuse.EINVAL
	case errors.Is(err, errs.ErrIsDirectory):
		return fuse.ToStatus(syscall.EISDIR)
	case errors.Is(err, errs.ErrNotDirectory):
		return fuse.ENOTDIR
	case errors.Is(err, errs.ErrOutOfSpace):
		return fuse.ToStatus(syscall.ENOSPC)
	case errors.Is(err, errs.ErrIntegrity), errors.Is(err, errs.ErrCorruptManifest):
		return fuse.EIO
	default:
		return fuse.EIO
	}
}

// GetAttr implements pathfs.FileSystem.
func (f *FileSystem) GetAttr(name string, _ *fuse.Context) (*fuse.Attr, fuse.Status) {
	if err := checkPath(name); err != nil {
		return nil, errnoStatus(err)
	}

	if info, err := os.Stat(f.backingPath(name)); err == nil && info.IsDir() {
		var st syscall.Stat_t
		if err := syscall.Stat(f.backingPath(name), &st); err != nil {
			return nil, fuse.ToStatus(err)
		}
		attr := &fuse.Attr{}
		attr.FromStat(&st)
		return attr, fuse.OK
	}

	metaInfo, err := os.Stat(f.metaPath(name))
	if err != nil {
		return nil, fuse.ENOENT
	}
	m, err := manifest.Load(f.metaPath(name))
	if err != nil {
		return nil, errnoStatus(err)
	}

	attr := &fuse.Attr{
		Mode:    fuse.S_IFREG | 0644,
		Size:    uint64(m.Size),
		Blksize: constants.ChunkSize,
		Blocks:  (uint64(m.Size) + 511) / 512,
	}
	mtime := metaInfo.ModTime()
	attr.SetTimes(&mtime, &mtime, &mtime)
	return attr, fuse.OK
}

// OpenDir implements pathfs.FileSystem. The reserved internal directory is
// hidden and manifests are listed under their logical file names.
func (f *FileSystem) OpenDir(name string, _ *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	if err := checkPath(name); err != nil {
		return nil, errnoStatus(err)
	}
	entries, err := os.ReadDir(f.backingPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fuse.ENOENT
		}
		return nil, fuse.ToStatus(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.IsDir():
			if e.Name() == constants.InternalDir {
				continue
			}
			out = append(out, fuse.DirEntry{Name: e.Name(), Mode: fuse.S_IFDIR | 0755})
		case strings.HasSuffix(e.Name(), constants.MetaSuffix):
			logical := strings.TrimSuffix(e.Name(), constants.MetaSuffix)
			if logical == "" || strings.HasSuffix(logical, ".tmp") {
				continue
			}
			out = append(out, fuse.DirEntry{Name: logical, Mode: fuse.S_IFREG | 0644})
		}
	}
	return out, fuse.OK
}

// Create implements pathfs.FileSystem: write an empty manifest and hand back
// a handle with an empty original snapshot.
func (f *FileSystem) Create(name string, flags uint32, mode uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	if err := checkPath(name); err != nil {
		return nil, errnoStatus(err)
	}
	if info, err := os.Stat(f.backingPath(name)); err == nil && info.IsDir() {
		return nil, fuse.ToStatus(syscall.EISDIR)
	}

	m := manifest.New()
	if err := manifest.Write(f.metaPath(name), m); err != nil {
		f.log.WithError(err).WithField("path", name).Error("failed to create manifest")
		return nil, fuse.EIO
	}
	return newFileHandle(f, name, m), fuse.OK
}

// Open implements pathfs.FileSystem: the manifest must already exist.
func (f *FileSystem) Open(name string, flags uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	if err := checkPath(name); err != nil {
		return nil, errnoStatus(err)
	}
	if info, err := os.Stat(f.backingPath(name)); err == nil && info.IsDir() {
		return nil, fuse.ToStatus(syscall.EISDIR)
	}
	m, err := manifest.Load(f.metaPath(name))
	if err != nil {
		return nil, errnoStatus(err)
	}
	return newFileHandle(f, name, m), fuse.OK
}

// Unlink implements pathfs.FileSystem: release every chunk reference, then
// remove the manifest.
func (f *FileSystem) Unlink(name string, _ *fuse.Context) fuse.Status {
	if err := checkPath(name); err != nil {
		return errnoStatus(err)
	}
	m, err := manifest.Load(f.metaPath(name))
	if err != nil {
		return errnoStatus(err)
	}
	if err := f.refs.ApplyDiff(m.HashList(), nil); err != nil {
		f.log.WithError(err).WithField("path", name).Error("failed to release chunk references")
		return fuse.EIO
	}
	if err := os.Remove(f.metaPath(name)); err != nil {
		return fuse.ToStatus(err)
	}
	return fuse.OK
}

// Mkdir implements pathfs.FileSystem.
func (f *FileSystem) Mkdir(name string, mode uint32, _ *fuse.Context) fuse.Status {
	if err := checkPath(name); err != nil {
		return errnoStatus(err)
	}
	return fuse.ToStatus(os.Mkdir(f.backingPath(name), 0755))
}

// Rmdir implements pathfs.FileSystem.
func (f *FileSystem) Rmdir(name string, _ *fuse.Context) fuse.Status {
	if err := checkPath(name); err != nil {
		return errnoStatus(err)
	}
	return fuse.ToStatus(os.Remove(f.backingPath(name)))
}

// Rename implements pathfs.FileSystem: directories move as a subtree, files
// move by renaming their manifest.
func (f *FileSystem) Rename(oldName string, newName string, _ *fuse.Context) fuse.Status {
	if err := checkPath(oldName); err != nil {
		return errnoStatus(err)
	}
	if err := checkPath(newName); err != nil {
		return errnoStatus(err)
	}
	if info, err := os.Stat(f.backingPath(oldName)); err == nil && info.IsDir() {
		return fuse.ToStatus(os.Rename(f.backingPath(oldName), f.backingPath(newName)))
	}
	if _, err := os.Stat(f.metaPath(oldName)); err != nil {
		return fuse.ENOENT
	}
	return fuse.ToStatus(os.Rename(f.metaPath(oldName), f.metaPath(newName)))
}

// Truncate implements the path-based form: adjust the manifest and settle the
// reference diff immediately.
func (f *FileSystem) Truncate(name string, size uint64, _ *fuse.Context) fuse.Status {
	if err := checkPath(name); err != nil {
		return errnoStatus(err)
	}
	m, err := manifest.Load(f.metaPath(name))
	if err != nil {
		return errnoStatus(err)
	}
	orig := m.HashList()
	m.Truncate(int64(size))
	if err := manifest.Write(f.metaPath(name), m); err != nil {
		f.log.WithError(err).WithField("path", name).Error("failed to rewrite manifest")
		return fuse.EIO
	}
	if err := f.refs.ApplyDiff(orig, m.HashList()); err != nil {
		f.log.WithError(err).WithField("path", name).Error("failed to settle chunk references")
		return fuse.EIO
	}
	return fuse.OK
}

// Access implements pathfs.FileSystem. Everything visible is accessible; the
// mount is single-user.
func (f *FileSystem) Access(name string, mode uint32, _ *fuse.Context) fuse.Status {
	if err := checkPath(name); err != nil {
		return errnoStatus(err)
	}
	return fuse.OK
}

// StatFs reports quota-derived figures when a quota is set, otherwise the
// backing filesystem's own numbers.
func (f *FileSystem) StatFs(name string) *fuse.StatfsOut {
	const bsize = 4096
	if quota := f.chunks.Quota(); quota > 0 {
		used := f.chunks.Usage()
		free := uint64(0)
		if quota > used {
			free = quota - used
		}
		return &fuse.StatfsOut{
			Blocks: quota / bsize,
			Bfree:  free / bsize,
			Bavail: free / bsize,
			Bsize:  bsize,
		}
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(f.root, &st); err != nil {
		return &fuse.StatfsOut{}
	}
	out := &fuse.StatfsOut{}
	out.FromStatfsT(&st)
	return out
}

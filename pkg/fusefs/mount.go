package fusefs

import (
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
)

// Mount attaches the filesystem at mountpoint and returns the server. The
// caller runs Serve and unmounts on shutdown.
func Mount(mountpoint string, fsys *FileSystem, debug bool) (*fuse.Server, error) {
	nfs := pathfs.NewPathNodeFs(fsys, nil)
	conn := nodefs.NewFileSystemConnector(nfs.Root(), nodefs.NewOptions())
	server, err := fuse.NewServer(conn.RawFS(), mountpoint, &fuse.MountOptions{
		Name:   "junknas",
		FsName: "junknas",
		Debug:  debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", mountpoint, err)
	}
	return server, nil
}

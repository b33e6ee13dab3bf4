package fusefs

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wyvernglobal/junknas/pkg/constants"
	"github.com/wyvernglobal/junknas/pkg/errs"
)

// checkPath rejects user paths that could escape the tree or collide with
// the store's reserved names. FUSE hands us slash-separated relative paths;
// the empty string is the mount root.
func checkPath(name string) error {
	if name == "" {
		return nil
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: absolute path %q", errs.ErrInvalidArgument, name)
	}
	for _, comp := range strings.Split(name, "/") {
		switch {
		case comp == "" || comp == "." || comp == "..":
			return fmt.Errorf("%w: unsafe component in %q", errs.ErrInvalidArgument, name)
		case comp == constants.InternalDir:
			return fmt.Errorf("%w: reserved name in %q", errs.ErrInvalidArgument, name)
		case strings.Contains(comp, constants.MetaSuffix):
			return fmt.Errorf("%w: reserved suffix in %q", errs.ErrInvalidArgument, name)
		}
	}
	return nil
}

// backingPath returns the on-disk path for a logical name.
func (f *FileSystem) backingPath(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(name))
}

// metaPath returns the manifest path for a logical file name.
func (f *FileSystem) metaPath(name string) string {
	return f.backingPath(name) + constants.MetaSuffix
}

// Package sysfsmirror implements the external collaborator named in
// spec.md §2/§6 as "a low-level sysfs exporter... out of scope except
// for the exact interface it consumes/presents to the core": a
// best-effort mirror told about committed property changes, modeled on
// the teacher's domain.IOServiceIface / IOnodeIface split between a
// production os-backed store (sysio/ionodeFile.go) and an in-memory
// store for tests (domain.IOMemFileService).
//
// Mirror never blocks a transaction and never fails one: txlog.Log
// calls Export/Unexport/Update under the tree lock as a post-change
// hook and only logs a Warnf if the mirror returns an error (spec.md
// §7's "no surfaced error" policy for side-effect hooks).
package sysfsmirror

import (
	"path"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/devicetree/overlay/domain"
)

// BackingType selects which afero.Fs backs a Mirror, mirroring the
// teacher's IOOsFileService/IOMemFileService split.
type BackingType int

const (
	// OsBacking writes through to the real filesystem, for production.
	OsBacking BackingType = iota
	// MemBacking is an in-memory afero.MemMapFs, for tests.
	MemBacking
)

// Mirror exports live properties as flat files under a root directory,
// one file per node path / property name pair, the way a sysfs kobject
// attribute mirrors a device-tree property.
type Mirror struct {
	mu   sync.Mutex
	fs   afero.Fs
	root string
}

// NewMirror constructs a Mirror rooted at root, backed by an OS
// filesystem or an in-memory one depending on backing.
func NewMirror(root string, backing BackingType) *Mirror {
	var fs afero.Fs
	if backing == MemBacking {
		fs = afero.NewMemMapFs()
	} else {
		fs = afero.NewOsFs()
	}
	return &Mirror{fs: fs, root: root}
}

func (m *Mirror) filePath(n *domain.Node, p *domain.Property) string {
	return path.Join(m.root, n.Path, p.Name)
}

// Export writes p's value to its mirror file, creating parent
// directories as needed.
func (m *Mirror) Export(n *domain.Node, p *domain.Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp := m.filePath(n, p)
	if err := m.fs.MkdirAll(path.Dir(fp), 0755); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, fp, p.Value, 0644); err != nil {
		return err
	}
	logrus.Debugf("sysfsmirror: exported %s", fp)
	return nil
}

// Unexport removes p's mirror file. A file that is already absent is
// not an error: the mirror is best-effort and may lag the tree.
func (m *Mirror) Unexport(n *domain.Node, p *domain.Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp := m.filePath(n, p)
	if err := m.fs.Remove(fp); err != nil && !IsNotExist(err) {
		return err
	}
	logrus.Debugf("sysfsmirror: unexported %s", fp)
	return nil
}

// Update rewrites p's mirror file with its current value.
func (m *Mirror) Update(n *domain.Node, p *domain.Property) error {
	return m.Export(n, p)
}

// IsNotExist reports whether err is an afero/os "file does not exist"
// error, tolerated by Unexport.
func IsNotExist(err error) bool {
	return afero.IsNotExist(err)
}

var _ domain.SysfsMirrorIface = (*Mirror)(nil)

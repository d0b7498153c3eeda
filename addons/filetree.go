package addons

import (
	"github.com/frostlabs/frost-archiver/archiver/model"
)

const (
	KindFile   = "file"
	KindFolder = "folder"
)

// FileTree is one level of an addon's file hierarchy as served by the
// storage proxy. Size is meaningful for files only.
type FileTree struct {
	Name     string     `json:"name"`
	Kind     string     `json:"kind"`
	Size     int64      `json:"size"`
	Children []FileTree `json:"children,omitempty"`
}

// Aggregate walks the tree and sums up file count and disk usage.
func Aggregate(tree *FileTree) model.StatResult {
	var stat model.StatResult
	if tree == nil {
		return stat
	}
	if tree.Kind == KindFile {
		stat.FileCount++
		stat.DiskUsage += tree.Size
		return stat
	}
	for i := range tree.Children {
		child := Aggregate(&tree.Children[i])
		stat.FileCount += child.FileCount
		stat.DiskUsage += child.DiskUsage
	}
	return stat
}

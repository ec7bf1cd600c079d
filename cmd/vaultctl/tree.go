package main

import (
	"context"
	"fmt"

	"github.com/disiqueira/gotree/v3"

	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

const pageSize = 500

type treeOptions struct {
	MaxDepth int // 0 = unlimited
	Sizes    bool
}

// renderTree draws the directory tree below start, directories first.
func renderTree(ctx context.Context, store storage.Store, start string, opts treeOptions) (string, error) {
	first, err := store.List(ctx, start, 0, pageSize, storage.SortNameAsc)
	if err != nil {
		return "", err
	}
	label := first.Path
	if n := len(first.Breadcrumbs); n > 0 && label != "/" {
		label = first.Breadcrumbs[n-1].Name
	}
	root := gotree.New(label)
	if err := addChildren(ctx, store, root, first, 1, opts); err != nil {
		return "", err
	}
	return root.Print(), nil
}

func addChildren(ctx context.Context, store storage.Store, node gotree.Tree, page *storage.Listing, depth int, opts treeOptions) error {
	for {
		for _, e := range page.Items {
			if !e.IsDir {
				if opts.Sizes {
					node.Add(fmt.Sprintf("%s (%d)", e.Name, e.Size))
				} else {
					node.Add(e.Name)
				}
				continue
			}
			child := node.Add(e.Name + "/")
			if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
				continue
			}
			sub, err := store.List(ctx, e.Path, 0, pageSize, storage.SortNameAsc)
			if err != nil {
				child.Add("! " + err.Error())
				continue
			}
			if err := addChildren(ctx, store, child, sub, depth+1, opts); err != nil {
				return err
			}
		}
		next := page.Offset + len(page.Items)
		if len(page.Items) == 0 || next >= page.TotalCount {
			return nil
		}
		var err error
		if page, err = store.List(ctx, page.Path, next, pageSize, storage.SortNameAsc); err != nil {
			return err
		}
	}
}

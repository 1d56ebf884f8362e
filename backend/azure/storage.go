package azure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// BackupFile describes one blob in the backup container.
type BackupFile struct {
	Name         string    `json:"name"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// BlobLister enumerates backup files. The production implementation walks an
// Azure blob container; tests substitute a fixture.
type BlobLister interface {
	ListBackups(ctx context.Context, prefix string, limit int) ([]BackupFile, error)
}

type containerLister struct {
	client *container.Client
}

// NewBlobLister opens the backup container at the given URL.
func NewBlobLister(containerURL string, cred azcore.TokenCredential) (BlobLister, error) {
	client, err := container.NewClient(containerURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("open backup container: %w", err)
	}
	return &containerLister{client: client}, nil
}

// ListBackups returns blobs under the prefix, newest first. A limit of zero
// or below means no cap.
func (l *containerLister) ListBackups(ctx context.Context, prefix string, limit int) ([]BackupFile, error) {
	opts := &container.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = &prefix
	}

	var files []BackupFile
	pager := l.client.NewListBlobsFlatPager(opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list backup blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			file := BackupFile{Name: *item.Name}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					file.SizeBytes = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					file.LastModified = *item.Properties.LastModified
				}
			}
			files = append(files, file)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].LastModified.After(files[j].LastModified)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

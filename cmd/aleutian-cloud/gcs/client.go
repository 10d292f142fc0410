// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gcs uploads verification run reports to a Cloud Storage
// bucket so results outlive the machine the run happened on.
package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type Client struct {
	storageClient *storage.Client
	BucketName    string
}

// NewClient opens a storage client against the given bucket. An empty
// saKeyPath uses Application Default Credentials.
func NewClient(ctx context.Context, bucketName, saKeyPath string) (*Client, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}
	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &Client{
		storageClient: storageClient,
		BucketName:    bucketName,
	}, nil
}

// ReportObjectPath is where a run report lands in the bucket.
func ReportObjectPath(knowledgeBase, runID string) string {
	return path.Join("verify", knowledgeBase, runID+".json")
}

// UploadJSON marshals v with indentation and writes it to gcsPath.
func (c *Client) UploadJSON(ctx context.Context, gcsPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	obj := c.storageClient.Bucket(c.BucketName).Object(gcsPath)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	return writeAndClose(writer, gcsPath, data)
}

// writeAndClose writes data and closes w. The writer is closed even
// when the write fails, so the pending upload is always released.
func writeAndClose(w io.WriteCloser, gcsPath string, data []byte) error {
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", gcsPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", gcsPath, err)
	}
	return nil
}

// Close releases the underlying storage client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}

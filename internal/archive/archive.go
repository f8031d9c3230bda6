// Package archive writes terminal run reports to a blob bucket.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/pkg/schema"
)

// ErrReportRequired is returned when a nil report is stored.
var ErrReportRequired = errors.New("report is required")

// Archive stores one JSON object per run at <prefix><run_id>.json.
// Buckets are opened by URL: mem:// and file:// are linked in.
type Archive struct {
	bucket *blob.Bucket
	prefix string
}

var _ engine.ReportSink = (*Archive)(nil)

// Open opens the bucket at bucketURL.
func Open(ctx context.Context, bucketURL, prefix string) (*Archive, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open archive bucket %q: %s", bucketURL, err.Error()).WithCause(err)
	}
	return New(bucket, prefix), nil
}

// New wraps an already opened bucket.
func New(bucket *blob.Bucket, prefix string) *Archive {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archive{bucket: bucket, prefix: prefix}
}

// StoreReport writes report, replacing any earlier copy.
func (a *Archive) StoreReport(ctx context.Context, report *schema.RunReport) error {
	if report == nil {
		return ErrReportRequired
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := a.bucket.WriteAll(ctx, a.Key(report.FlowRunID), data, opts); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "archive report %s: %s", report.FlowRunID, err.Error()).WithCause(err)
	}
	return nil
}

// Get reads the archived report of runID.
func (a *Archive) Get(ctx context.Context, runID string) (*schema.RunReport, error) {
	data, err := a.bucket.ReadAll(ctx, a.Key(runID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "archived report %q not found", runID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read report %s: %s", runID, err.Error()).WithCause(err)
	}
	var r schema.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns the run IDs with an archived report, in key order.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	var ids []string
	it := a.bucket.List(&blob.ListOptions{Prefix: a.prefix})
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			return ids, nil
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		name := strings.TrimPrefix(obj.Key, a.prefix)
		if id, ok := strings.CutSuffix(name, ".json"); ok && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
}

// Delete removes the report of runID. Missing reports are not an error.
func (a *Archive) Delete(ctx context.Context, runID string) error {
	err := a.bucket.Delete(ctx, a.Key(runID))
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

// Key is the object key of runID's report.
func (a *Archive) Key(runID string) string {
	return a.prefix + runID + ".json"
}

func (a *Archive) Close() error {
	return a.bucket.Close()
}

package recording

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oszuidwest/zwfm-recorder/internal/eventlog"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// fakeS3 is an in-memory s3API.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int
	puts     int
	deleted  []string
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 1000}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return nil, errors.New("service unavailable")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = slices.Index(keys, aws.ToString(in.ContinuationToken))
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != "recordings" {
		return nil, errors.New("not found")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func writeSegmentFile(t *testing.T, root string, start time.Time) types.SegmentInfo {
	t.Helper()
	path := SegmentPath(root, "radio", start)
	seg, err := CreateSegment(path, 8000, 1, 1, start)
	if err != nil {
		t.Fatal(err)
	}
	if err := seg.Write(pcmFrames(1, 80, 100)); err != nil {
		t.Fatal(err)
	}
	if err := seg.Close(); err != nil {
		t.Fatal(err)
	}
	return seg.Info(start.Add(time.Second))
}

func testS3Config() S3Config {
	return S3Config{Bucket: "recordings", Prefix: "studio", AccessKeyID: "id", SecretAccessKey: "secret"}
}

func TestNewUploaderRequiresConfig(t *testing.T) {
	if _, err := NewUploader(S3Config{Bucket: "b"}, nil); !errors.Is(err, ErrS3NotConfigured) {
		t.Errorf("NewUploader() error = %v, want ErrS3NotConfigured", err)
	}
}

func TestUploaderUploadsOnStop(t *testing.T) {
	root := t.TempDir()
	fake := newFakeS3()

	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	events, err := eventlog.NewLogger(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer events.Close()

	u := newUploader(testS3Config(), fake, events)
	u.Start()

	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	info := writeSegmentFile(t, root, start)
	if err := u.Enqueue(info); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	u.Stop()

	key := "studio/2025/06-01/radio_20250601_100000.wav"
	if !fake.has(key) {
		t.Fatalf("object %q not uploaded", key)
	}
	if err := u.Enqueue(info); !errors.Is(err, ErrUploaderStopped) {
		t.Errorf("Enqueue after Stop error = %v, want ErrUploaderStopped", err)
	}

	got, _, err := eventlog.ReadLast(logPath, 10, 0, eventlog.FilterStorage)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != eventlog.UploadCompleted {
		t.Errorf("events = %+v, want one upload_ok", got)
	}
}

func TestUploaderRetry(t *testing.T) {
	root := t.TempDir()
	fake := newFakeS3()
	fake.failPuts = 1

	u := newUploader(testS3Config(), fake, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }

	info := writeSegmentFile(t, root, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC))
	req := uploadRequest{localPath: info.Path, s3Key: ObjectKey("", info.Path, info.Start)}

	if err := u.upload(req); err == nil {
		t.Fatal("first upload should fail")
	}
	u.addToRetryQueue(req, "service unavailable")
	u.addToRetryQueue(req, "service unavailable")
	if u.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (no duplicates)", u.Pending())
	}

	if !u.processRetryQueue() {
		t.Fatal("processRetryQueue() should empty the retry list")
	}
	if !fake.has(req.s3Key) {
		t.Error("retried object was not uploaded")
	}
}

func TestUploaderAbandonsAfter24h(t *testing.T) {
	root := t.TempDir()
	fake := newFakeS3()
	fake.failPuts = 100

	u := newUploader(testS3Config(), fake, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }
	var abandoned []string
	u.OnAbandon(func(name, _ string) { abandoned = append(abandoned, name) })

	info := writeSegmentFile(t, root, now)
	u.addToRetryQueue(uploadRequest{localPath: info.Path, s3Key: "k"}, "boom")

	if u.processRetryQueue() {
		t.Fatal("failing retry should stay queued")
	}
	putsBefore := fake.puts

	now = now.Add(MaxUploadRetryAge + time.Minute)
	if !u.processRetryQueue() {
		t.Fatal("expired retry should be abandoned")
	}
	if fake.puts != putsBefore {
		t.Error("abandoned upload should not be attempted again")
	}
	if len(abandoned) != 1 || abandoned[0] != filepath.Base(info.Path) {
		t.Errorf("abandon callback = %v", abandoned)
	}
}

func TestUploaderTestConnection(t *testing.T) {
	u := newUploader(testS3Config(), newFakeS3(), nil)
	if err := u.TestConnection(); err != nil {
		t.Errorf("TestConnection() error = %v", err)
	}

	cfg := testS3Config()
	cfg.Bucket = "missing"
	u = newUploader(cfg, newFakeS3(), nil)
	if err := u.TestConnection(); err == nil {
		t.Error("TestConnection() on a missing bucket should fail")
	}
}

func TestCleanerLocal(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)

	old := writeSegmentFile(t, root, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	edge := writeSegmentFile(t, root, time.Date(2025, 6, 3, 8, 0, 0, 0, time.UTC))
	fresh := writeSegmentFile(t, root, time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC))
	lastYear := writeSegmentFile(t, root, time.Date(2024, 12, 31, 23, 45, 0, 0, time.UTC))

	// Unrelated content is left alone.
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCleaner(root, 7, nil, nil)
	local, remote := c.Run(now)
	if local != 2 || remote != 0 {
		t.Fatalf("Run() = %d, %d; want 2, 0", local, remote)
	}

	for _, p := range []string{old.Path, lastYear.Path} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be deleted", p)
		}
	}
	for _, p := range []string{edge.Path, fresh.Path} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should be kept: %v", p, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "2024")); !os.IsNotExist(err) {
		t.Error("empty year directory should be removed")
	}
	if _, err := os.Stat(filepath.Join(root, "2025", "06-01")); !os.IsNotExist(err) {
		t.Error("empty day directory should be removed")
	}
}

func TestCleanerDisabled(t *testing.T) {
	root := t.TempDir()
	info := writeSegmentFile(t, root, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	c := NewCleaner(root, 0, nil, nil)
	if local, _ := c.Run(time.Now()); local != 0 {
		t.Errorf("Run() with retention 0 deleted %d files", local)
	}
	if _, err := os.Stat(info.Path); err != nil {
		t.Errorf("segment should be kept: %v", err)
	}
}

func TestCleanerS3(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	for _, k := range []string{
		"studio/2025/05-01/radio_20250501_000000.wav",
		"studio/2025/05-02/radio_20250502_000000.wav",
		"studio/2025/06-09/radio_20250609_000000.wav",
		"studio/readme.txt",
	} {
		fake.objects[k] = nil
	}

	c := NewCleaner(t.TempDir(), 7, nil, nil)
	c.client = fake
	c.bucket = "recordings"
	c.prefix = "studio"

	_, remote := c.Run(time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC))
	if remote != 2 {
		t.Fatalf("Run() deleted %d objects, want 2 (deleted %v)", remote, fake.deleted)
	}
	if !fake.has("studio/2025/06-09/radio_20250609_000000.wav") || !fake.has("studio/readme.txt") {
		t.Error("fresh and unrelated objects should be kept")
	}
}

func TestNextCleanup(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC), time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 31, 22, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextCleanup(tt.now); !got.Equal(tt.want) {
			t.Errorf("nextCleanup(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

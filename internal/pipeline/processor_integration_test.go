package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/cartoonify/internal/inference"
	"github.com/dunamismax/cartoonify/internal/storage"
	"github.com/dunamismax/cartoonify/internal/vision"
)

// fakeModels segments the left half of every frame as the target class and
// paints the cartoon output with a constant value.
type fakeModels struct {
	cartoonValue float32
	segErr       error
}

func (m fakeModels) Segmentation(context.Context) (inference.Model, error) {
	if m.segErr != nil {
		return nil, m.segErr
	}
	return inference.ModelFunc(func(_ context.Context, in inference.Tensor) (inference.Tensor, error) {
		h, w := int(in.Shape[2]), int(in.Shape[3])
		plane := h * w
		data := make([]float32, 21*plane)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				class := 0
				if x < w/2 {
					class = vision.PersonClass
				}
				data[class*plane+y*w+x] = 1
			}
		}
		return inference.Tensor{Shape: []int64{1, 21, int64(h), int64(w)}, Data: data}, nil
	}), nil
}

func (m fakeModels) Cartoon(context.Context) (inference.Model, error) {
	return inference.ModelFunc(func(_ context.Context, in inference.Tensor) (inference.Tensor, error) {
		data := make([]float32, len(in.Data))
		for i := range data {
			data[i] = m.cartoonValue
		}
		return inference.Tensor{Shape: in.Shape, Data: data}, nil
	}), nil
}

func TestLocalProcessor_FileInCartoonFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "portrait.png")
	outputDir := filepath.Join(tmp, "out")

	if err := os.WriteFile(inputPath, buildCheckerboardPNG(t, 64, 64, 8), 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	opts := DefaultOptions()
	opts.OutputFormat = "png"
	processor, err := NewLocalProcessor(outputDir, fakeModels{cartoonValue: -1}, opts)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.Output.Location != filepath.Join(outputDir, "portrait.png") {
		t.Fatalf("unexpected output location %s", result.Output.Location)
	}
	if result.PersonPixels != 32*64 {
		t.Fatalf("expected %d person pixels, got %d", 32*64, result.PersonPixels)
	}
	if len(result.Timings) != 8 {
		t.Fatalf("expected 8 stage timings, got %d", len(result.Timings))
	}

	out := decodePNGFile(t, result.Output.Location)
	if out.Bounds().Dx() != 64 || out.Bounds().Dy() != 64 {
		t.Fatalf("expected 64x64 output, got %v", out.Bounds())
	}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			r, g, b, _ := out.At(x, y).RGBA()
			want := uint32(0)
			if x >= 32 && ((x/8)+(y/8))%2 == 0 {
				want = 0xffff
			}
			if r != want || g != want || b != want {
				t.Fatalf("pixel (%d,%d): expected %#x, got %#x,%#x,%#x", x, y, want, r, g, b)
			}
		}
	}
}

func TestLocalProcessor_CropsToStrideMultiple(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "odd.png")
	if err := os.WriteFile(inputPath, buildCheckerboardPNG(t, 70, 45, 5), 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	processor, err := NewLocalProcessor(filepath.Join(tmp, "out"), fakeModels{}, DefaultOptions())
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{JobID: "job-odd", ObjectKey: inputPath})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}
	if result.Output.Width != 64 || result.Output.Height != 40 {
		t.Fatalf("expected 64x40, got %dx%d", result.Output.Width, result.Output.Height)
	}
	if result.Output.Format != "jpeg" || filepath.Ext(result.Output.Location) != ".jpg" {
		t.Fatalf("expected jpeg output, got %s at %s", result.Output.Format, result.Output.Location)
	}
	if result.SourceWidth != 70 || result.SourceHeight != 45 || result.SourceFormat != "png" {
		t.Fatalf("unexpected source info %dx%d %s", result.SourceWidth, result.SourceHeight, result.SourceFormat)
	}
}

func TestObjectStoreProcessor_PublishesJPEGUnderDerivedKey(t *testing.T) {
	store := newMemoryObjectStore()
	store.put("uploads", "people/team photo.PNG", buildCheckerboardPNG(t, 32, 32, 8))

	scratch := t.TempDir()
	processor, err := NewObjectStoreProcessor(store, store, "cartoons", scratch, fakeModels{}, DefaultOptions())
	if err != nil {
		t.Fatalf("new object-store processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-s3",
		SourceType: SourceTypeObjectStore,
		Bucket:     "uploads",
		ObjectKey:  "people/team photo.PNG",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if result.Output.Bucket != "cartoons" || result.Output.Key != "people/team photo.jpg" {
		t.Fatalf("unexpected output %s/%s", result.Output.Bucket, result.Output.Key)
	}
	obj, ok := store.get("cartoons", "people/team photo.jpg")
	if !ok {
		t.Fatal("expected output object to be uploaded")
	}
	if obj.contentType != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %s", obj.contentType)
	}
	if _, format, err := image.Decode(bytes.NewReader(obj.data)); err != nil || format != "jpeg" {
		t.Fatalf("expected decodable jpeg, got format=%s err=%v", format, err)
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected scratch dir to be cleaned, found %d files", len(entries))
	}
}

func TestObjectStoreProcessor_IgnoresPNGOutputFormat(t *testing.T) {
	store := newMemoryObjectStore()
	store.put("uploads", "cat.png", buildCheckerboardPNG(t, 32, 32, 8))

	opts := DefaultOptions()
	opts.OutputFormat = "png"
	processor, err := NewObjectStoreProcessor(store, store, "cartoons", t.TempDir(), fakeModels{}, opts)
	if err != nil {
		t.Fatalf("new object-store processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-png",
		SourceType: SourceTypeObjectStore,
		Bucket:     "uploads",
		ObjectKey:  "cat.png",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Output.Key != "cat.jpg" || result.Output.ContentType != "image/jpeg" {
		t.Fatalf("expected cat.jpg as image/jpeg, got %s (%s)", result.Output.Key, result.Output.ContentType)
	}
	obj, ok := store.get("cartoons", "cat.jpg")
	if !ok {
		t.Fatal("expected cat.jpg to be uploaded")
	}
	if _, format, err := image.Decode(bytes.NewReader(obj.data)); err != nil || format != "jpeg" {
		t.Fatalf("expected decodable jpeg, got format=%s err=%v", format, err)
	}
	if _, ok := store.get("cartoons", "cat.png"); ok {
		t.Fatal("png result must not be published")
	}
}

func TestObjectStoreEmitterRejectsNonJPEG(t *testing.T) {
	store := newMemoryObjectStore()
	emitter := ObjectStoreEmitter{Storage: store, Bucket: "cartoons"}
	_, err := emitter.Emit(context.Background(), Request{ObjectKey: "cat.png"}, []byte("x"), "png", 8, 8)
	if err == nil {
		t.Fatal("expected png result to be refused")
	}
	if len(store.objects) != 0 {
		t.Fatalf("expected nothing uploaded, got %d objects", len(store.objects))
	}
}

func TestNewObjectStoreProcessorRequiresOutputBucket(t *testing.T) {
	store := newMemoryObjectStore()
	_, err := NewObjectStoreProcessor(store, store, " ", "", fakeModels{}, DefaultOptions())
	if !errors.Is(err, ErrOutputBucketRequired) {
		t.Fatalf("expected ErrOutputBucketRequired, got %v", err)
	}
}

func TestProcessorStageErrors(t *testing.T) {
	store := newMemoryObjectStore()
	store.put("uploads", "garbage.jpg", []byte("not an image"))
	store.put("uploads", "ok.png", buildCheckerboardPNG(t, 16, 16, 4))
	store.put("uploads", "tiny.png", buildCheckerboardPNG(t, 4, 4, 2))

	cases := []struct {
		name      string
		key       string
		models    fakeModels
		fetchErr  error
		stage     Stage
		retryable bool
	}{
		{name: "missing object", key: "absent.png", stage: StageFetch, retryable: false},
		{name: "storage outage", key: "ok.png", fetchErr: errors.New("connection reset"), stage: StageFetch, retryable: true},
		{name: "undecodable", key: "garbage.jpg", stage: StageDecode, retryable: false},
		{name: "too small", key: "tiny.png", stage: StagePreprocess, retryable: false},
		{name: "model load", key: "ok.png", models: fakeModels{segErr: errors.New("no such file")}, stage: StageSegment, retryable: false},
		{name: "shutting down", key: "ok.png", models: fakeModels{segErr: inference.ErrRegistryClosed}, stage: StageSegment, retryable: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store.failDownloads = tc.fetchErr
			processor, err := NewObjectStoreProcessor(store, store, "cartoons", t.TempDir(), tc.models, DefaultOptions())
			if err != nil {
				t.Fatalf("new processor: %v", err)
			}

			_, err = processor.Process(context.Background(), Request{JobID: "job", Bucket: "uploads", ObjectKey: tc.key})
			var stageErr *StageError
			if !errors.As(err, &stageErr) {
				t.Fatalf("expected StageError, got %v", err)
			}
			if stageErr.Stage != tc.stage {
				t.Fatalf("expected stage %s, got %s (%v)", tc.stage, stageErr.Stage, err)
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("expected retryable=%t for %v", tc.retryable, err)
			}
		})
	}
}

func TestProcessorStopsOnCanceledContext(t *testing.T) {
	processor, err := NewLocalProcessor(t.TempDir(), fakeModels{}, DefaultOptions())
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = processor.Process(ctx, Request{JobID: "job", ObjectKey: "whatever.png"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if FailedStage(err) != StageFetch {
		t.Fatalf("expected fetch stage, got %q", FailedStage(err))
	}
}

func TestOutputKey(t *testing.T) {
	cases := map[string]string{
		"cat.png":             "cat.jpg",
		"uploads/cat.jpeg":    "uploads/cat.jpg",
		"photo":               "photo.jpg",
		"archive.tar.gz":      "archive.tar.jpg",
		".hidden":             ".hidden.jpg",
		"..a.b":               "..a.jpg",
		"dir.v1/photo":        "dir.v1/photo.jpg",
		"deep/nested/IMG.JPG": "deep/nested/IMG.jpg",
	}
	for in, want := range cases {
		if got := OutputKey(in); got != want {
			t.Fatalf("OutputKey(%q) = %q, want %q", in, got, want)
		}
	}
}

type storedObject struct {
	data        []byte
	contentType string
}

type memoryObjectStore struct {
	objects       map[string]storedObject
	failDownloads error
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: make(map[string]storedObject)}
}

func (s *memoryObjectStore) put(bucket, key string, data []byte) {
	s.objects[bucket+"/"+key] = storedObject{data: data}
}

func (s *memoryObjectStore) get(bucket, key string) (storedObject, bool) {
	obj, ok := s.objects[bucket+"/"+key]
	return obj, ok
}

func (s *memoryObjectStore) Download(_ context.Context, bucket, key string, w io.Writer) (int64, error) {
	if s.failDownloads != nil {
		return 0, s.failDownloads
	}
	obj, ok := s.get(bucket, key)
	if !ok {
		return 0, storage.ErrObjectNotFound
	}
	n, err := w.Write(obj.data)
	return int64(n), err
}

func (s *memoryObjectStore) Upload(_ context.Context, bucket, key string, data []byte, contentType string) error {
	s.objects[bucket+"/"+key] = storedObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func buildCheckerboardPNG(t testing.TB, w, h, block int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{A: 255}
			if ((x/block)+(y/block))%2 == 0 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func decodePNGFile(t *testing.T, path string) image.Image {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}
	return img
}

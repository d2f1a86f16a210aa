package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func BenchmarkProcessorFullHD(b *testing.B) {
	benchmarkProcessor(b, 1920, 1080)
}

func BenchmarkProcessorNoResize(b *testing.B) {
	benchmarkProcessor(b, 640, 480)
}

func benchmarkProcessor(b *testing.B, w, h int) {
	source := benchmarkPNG(b, w, h)
	processor, err := NewProcessor(staticFetcher{data: source}, discardEmitter{}, fakeModels{cartoonValue: 0.25}, DefaultOptions())
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	req := Request{
		JobID:     "bench",
		ObjectKey: "ignored.png",
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-%dx%d-%d", w, h, i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	return Output{
		Key:    OutputKey(req.ObjectKey),
		Format: normalizeOutputFormat(format),
		Bytes:  len(data),
		Width:  width,
		Height: height,
	}, nil
}

func benchmarkPNG(b *testing.B, w, h int) []byte {
	b.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		b.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

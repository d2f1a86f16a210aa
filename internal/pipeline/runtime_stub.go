//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newCodec(maxPixels int) Codec {
	return imagingCodec{maxPixels: maxPixels}
}

func CodecBackend() string {
	return "imaging"
}

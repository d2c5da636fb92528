package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// screenshotPNG renders a w x h PNG like the console screenshot endpoint
// returns.
func screenshotPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func TestDownscale_BoundsAndAspect(t *testing.T) {
	out, err := Downscale(screenshotPNG(t, 640, 480))
	if err != nil {
		t.Fatalf("Downscale: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	b := img.Bounds()
	if b.Dx() > thumbWidth || b.Dy() > thumbHeight {
		t.Errorf("thumbnail %dx%d exceeds %dx%d", b.Dx(), b.Dy(), thumbWidth, thumbHeight)
	}
	// 640x480 is 4:3, the bound is 4:3, so both dimensions should land on it.
	if b.Dx() != 200 || b.Dy() != 150 {
		t.Errorf("thumbnail = %dx%d, want 200x150", b.Dx(), b.Dy())
	}
}

func TestDownscale_NeverUpscales(t *testing.T) {
	out, err := Downscale(screenshotPNG(t, 100, 80))
	if err != nil {
		t.Fatalf("Downscale: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 80 {
		t.Errorf("thumbnail = %dx%d, want 100x80 unscaled", b.Dx(), b.Dy())
	}
}

func TestDownscale_RejectsGarbage(t *testing.T) {
	if _, err := Downscale([]byte("not a png")); err == nil {
		t.Fatal("Downscale accepted invalid image data")
	}
}

func TestCache_StoreAndGet(t *testing.T) {
	c := NewCache()

	c.Store("t1", "vm-1", screenshotPNG(t, 640, 480))
	e, ok := c.Get("t1", "vm-1")
	if !ok {
		t.Fatal("cache miss after Store")
	}
	if len(e.Data) == 0 || e.Hash == "" || e.UpdatedAt.IsZero() {
		t.Errorf("incomplete entry: %d bytes, hash %q, updated %v", len(e.Data), e.Hash, e.UpdatedAt)
	}

	if _, ok := c.Get("t1", "vm-2"); ok {
		t.Error("cache hit for unknown VM")
	}
	if _, ok := c.Get("t2", "vm-1"); ok {
		t.Error("cache hit for unknown target")
	}
}

func TestCache_InvalidImageKeepsPrevious(t *testing.T) {
	c := NewCache()

	c.Store("t1", "vm-1", screenshotPNG(t, 640, 480))
	before, _ := c.Get("t1", "vm-1")

	c.Store("t1", "vm-1", []byte("corrupt"))
	after, ok := c.Get("t1", "vm-1")
	if !ok {
		t.Fatal("entry lost after invalid store")
	}
	if after.Hash != before.Hash {
		t.Error("previous thumbnail replaced by invalid screenshot")
	}
}

func TestCache_HashesTrackContent(t *testing.T) {
	c := NewCache()

	c.Store("t1", "vm-1", screenshotPNG(t, 640, 480))
	c.Store("t1", "vm-2", screenshotPNG(t, 640, 480))
	c.Store("t2", "vm-9", screenshotPNG(t, 640, 480))

	hashes := c.Hashes("t1")
	if len(hashes) != 2 {
		t.Fatalf("hashes for t1 = %d entries, want 2", len(hashes))
	}
	if hashes["vm-1"] != hashes["vm-2"] {
		t.Error("identical screenshots produced different hashes")
	}

	// A different screenshot changes the hash.
	c.Store("t1", "vm-2", screenshotPNG(t, 320, 240))
	if h := c.Hashes("t1"); h["vm-1"] == h["vm-2"] {
		t.Error("hash unchanged after different screenshot stored")
	}
}

func TestCache_ClearTarget(t *testing.T) {
	c := NewCache()

	c.Store("t1", "vm-1", screenshotPNG(t, 640, 480))
	c.Store("t2", "vm-2", screenshotPNG(t, 640, 480))
	if n := c.Count(); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}

	c.ClearTarget("t1")
	if _, ok := c.Get("t1", "vm-1"); ok {
		t.Error("t1 thumbnail survived ClearTarget")
	}
	if _, ok := c.Get("t2", "vm-2"); !ok {
		t.Error("ClearTarget removed another target's thumbnails")
	}
	if n := c.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

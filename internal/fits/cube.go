package fits

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

// wcsKeys are copied from the reference plane for the two spatial axes.
var wcsKeys = []string{"CTYPE", "CRVAL", "CDELT", "CRPIX", "CUNIT", "CROTA"}

// passthroughKeys are copied verbatim from the reference plane when present.
var passthroughKeys = []string{
	"BSCALE", "BZERO", "BUNIT", "BMAJ", "BMIN", "BPA", "BTYPE",
	"EQUINOX", "RADESYS", "LONPOLE", "LATPOLE", "SPECSYS", "RESTFRQ",
	"OBJECT", "TELESCOP", "INSTRUME", "OBSRA", "OBSDEC", "DATE-OBS", "TIMESYS",
}

// CubeHeader builds a deterministic NAXIS=3 header for stacking planes shaped
// like ref. freqs gives each plane's frequency; if any is unknown the third
// axis is a plain channel index.
func CubeHeader(ref *Image, planes int, freqs []float64) *Header {
	h := NewHeader()
	h.Set("SIMPLE", true, "conforms to FITS standard")
	h.Set("BITPIX", ref.Bitpix, "array data type")
	h.Set("NAXIS", 3, "number of array dimensions")
	h.Set("NAXIS1", ref.Width(), "")
	h.Set("NAXIS2", ref.Height(), "")
	h.Set("NAXIS3", planes, "")
	for _, key := range passthroughKeys {
		h.copyCard(ref.Header, key)
	}
	for axis := 1; axis <= 2; axis++ {
		for _, k := range wcsKeys {
			h.copyCard(ref.Header, k+strconv.Itoa(axis))
		}
	}

	spectral := len(freqs) == planes && planes > 0
	for _, f := range freqs {
		if f == 0 {
			spectral = false
		}
	}
	if spectral {
		h.Set("CTYPE3", "FREQ", "")
		h.Set("CRPIX3", 1.0, "")
		h.Set("CRVAL3", freqs[0], "")
		cdelt := 1.0
		if planes > 1 {
			cdelt = freqs[1] - freqs[0]
		} else if v, ok := ref.Header.Float("CDELT" + strconv.Itoa(spectralAxis(ref))); ok {
			cdelt = v
		}
		h.Set("CDELT3", cdelt, "")
		h.Set("CUNIT3", "Hz", "")
	} else {
		h.Set("CTYPE3", "CHANNEL", "")
		h.Set("CRPIX3", 1.0, "")
		h.Set("CRVAL3", 0.0, "")
		h.Set("CDELT3", 1.0, "")
	}
	return h
}

func spectralAxis(im *Image) int {
	for n := 3; n <= 4; n++ {
		if v, ok := im.Header.Get("CTYPE" + strconv.Itoa(n)); ok && len(v) >= 4 && v[:4] == "FREQ" {
			return n
		}
	}
	return 3
}

// CubeWriter fills a pre-sized cube file plane by plane.
type CubeWriter struct {
	f          *os.File
	dataOffset int64
	planeBytes int64
	planes     int
}

// CreateCube writes hdr to a new file at path and extends it to its final,
// block-padded length so planes can be written in any slot.
func CreateCube(path string, hdr *Header, planeBytes int64, planes int) (*CubeWriter, error) {
	head, err := hdr.Encode()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteAt(head, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	data := planeBytes * int64(planes)
	total := int64(len(head)) + padded(data)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("allocate %s: %w", path, err)
	}
	return &CubeWriter{f: f, dataOffset: int64(len(head)), planeBytes: planeBytes, planes: planes}, nil
}

// WritePlane copies exactly one plane from r into slot k.
func (w *CubeWriter) WritePlane(k int, r io.Reader) error {
	if k < 0 || k >= w.planes {
		return fmt.Errorf("plane %d outside 0..%d", k, w.planes-1)
	}
	dst := io.NewOffsetWriter(w.f, w.dataOffset+int64(k)*w.planeBytes)
	n, err := io.Copy(dst, io.LimitReader(r, w.planeBytes))
	if err != nil {
		return fmt.Errorf("write plane %d: %w", k, err)
	}
	if n != w.planeBytes {
		return fmt.Errorf("plane %d: %w: got %d of %d bytes", k, ErrCorrupt, n, w.planeBytes)
	}
	return nil
}

// Sync flushes the file to stable storage.
func (w *CubeWriter) Sync() error { return w.f.Sync() }

// Close closes the file.
func (w *CubeWriter) Close() error { return w.f.Close() }

func padded(n int64) int64 {
	if rem := n % BlockSize; rem != 0 {
		return n + BlockSize - rem
	}
	return n
}

// WriteImage writes a complete single-HDU image. data must hold the raw
// big-endian array. Used for fixtures and small products.
func WriteImage(path string, hdr *Header, data []byte) error {
	head, err := hdr.Encode()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	buf := append(head, data...)
	buf = append(buf, make([]byte, padded(int64(len(data)))-int64(len(data)))...)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

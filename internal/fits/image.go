package fits

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/exp/mmap"
)

// Image describes a primary-HDU image on disk. Planes may have NAXIS 2 to 4
// as long as every axis beyond the second has length 1.
type Image struct {
	Path       string
	Header     *Header
	Bitpix     int
	Axes       []int
	DataOffset int64
}

// Width is NAXIS1.
func (im *Image) Width() int { return im.Axes[0] }

// Height is NAXIS2.
func (im *Image) Height() int { return im.Axes[1] }

// DataBytes is the unpadded length of the data array.
func (im *Image) DataBytes() int64 {
	n := int64(abs(im.Bitpix) / 8)
	for _, a := range im.Axes {
		n *= int64(a)
	}
	return n
}

// SameShape reports whether other can be stacked with im.
func (im *Image) SameShape(other *Image) bool {
	return im.Bitpix == other.Bitpix && im.Width() == other.Width() && im.Height() == other.Height()
}

// SameScaling reports, as an error, whether raw planes of im and other would
// be read with different BSCALE, BZERO or BUNIT. A cube carries one set.
func (im *Image) SameScaling(other *Image) error {
	for _, k := range []struct {
		key string
		def float64
	}{{"BSCALE", 1}, {"BZERO", 0}} {
		a, b := im.scale(k.key, k.def), other.scale(k.key, k.def)
		if a != b {
			return fmt.Errorf("%w: %s %g differs from %g", ErrCorrupt, k.key, a, b)
		}
	}
	a, _ := im.Header.Get("BUNIT")
	b, _ := other.Header.Get("BUNIT")
	if !strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return fmt.Errorf("%w: BUNIT %q differs from %q", ErrCorrupt, a, b)
	}
	return nil
}

func (im *Image) scale(key string, def float64) float64 {
	if v, ok := im.Header.Float(key); ok {
		return v
	}
	return def
}

// Frequency returns the value of the spectral axis (CTYPEn starting with
// FREQ) at the image's single spectral pixel.
func (im *Image) Frequency() (float64, bool) {
	for n := 1; n <= 4; n++ {
		ctype, ok := im.Header.Get("CTYPE" + strconv.Itoa(n))
		if !ok || !strings.HasPrefix(strings.ToUpper(ctype), "FREQ") {
			continue
		}
		crval, ok := im.Header.Float("CRVAL" + strconv.Itoa(n))
		if !ok {
			return 0, false
		}
		crpix, ok := im.Header.Float("CRPIX" + strconv.Itoa(n))
		if !ok {
			crpix = 1
		}
		cdelt, _ := im.Header.Float("CDELT" + strconv.Itoa(n))
		return crval + (1-crpix)*cdelt, true
	}
	return 0, false
}

// Open reads and validates the header of the image at path, including that
// the file is long enough to hold the data array.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr, n, err := ReadHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	im := &Image{Path: path, Header: hdr, DataOffset: n}
	if err := im.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if have, want := info.Size(), im.DataOffset+im.DataBytes(); have < want {
		return nil, fmt.Errorf("%s: %w: data truncated (%d of %d bytes)", path, ErrCorrupt, have, want)
	}
	return im, nil
}

func (im *Image) validate() error {
	if v, _ := im.Header.Get("SIMPLE"); v != "T" {
		return fmt.Errorf("%w: SIMPLE is not T", ErrCorrupt)
	}
	bitpix, err := im.Header.Int("BITPIX")
	if err != nil {
		return err
	}
	switch bitpix {
	case 8, 16, 32, 64, -32, -64:
	default:
		return fmt.Errorf("%w: BITPIX %d", ErrCorrupt, bitpix)
	}
	im.Bitpix = bitpix

	naxis, err := im.Header.Int("NAXIS")
	if err != nil {
		return err
	}
	if naxis < 2 || naxis > 4 {
		return fmt.Errorf("%w: NAXIS %d, want 2 to 4", ErrCorrupt, naxis)
	}
	im.Axes = make([]int, naxis)
	for i := range im.Axes {
		a, err := im.Header.Int("NAXIS" + strconv.Itoa(i+1))
		if err != nil {
			return err
		}
		if a <= 0 {
			return fmt.Errorf("%w: NAXIS%d = %d", ErrCorrupt, i+1, a)
		}
		if i >= 2 && a != 1 {
			return fmt.Errorf("%w: NAXIS%d = %d, a channel image must be a single plane", ErrCorrupt, i+1, a)
		}
		im.Axes[i] = a
	}
	return nil
}

// Plane is an open, memory-mapped image whose data can be streamed.
type Plane struct {
	*Image
	ra *mmap.ReaderAt
}

// OpenPlane validates the image at path and maps it for reading.
func OpenPlane(path string) (*Plane, error) {
	im, err := Open(path)
	if err != nil {
		return nil, err
	}
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	if int64(ra.Len()) < im.DataOffset+im.DataBytes() {
		ra.Close()
		return nil, fmt.Errorf("%s: %w: file shrank while opening", path, ErrCorrupt)
	}
	return &Plane{Image: im, ra: ra}, nil
}

// Data returns a reader over the raw, big-endian data array.
func (p *Plane) Data() io.Reader {
	return io.NewSectionReader(p.ra, p.DataOffset, p.DataBytes())
}

// Close unmaps the file.
func (p *Plane) Close() error {
	return p.ra.Close()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

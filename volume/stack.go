package volume

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

var stackExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// ParseImageStack reads every png or jpeg in a directory, sorted by name, as the
// planes of a volume. Planes whose extent differs from the first plane are resampled
// to match. Values are 8 bit luminance, 0 to 255.
func ParseImageStack(dir string) (*Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if stackExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no image planes found in %s", dir)
	}
	sort.Strings(files)

	var vol *Volume
	for d, fn := range files {
		img, err := imaging.Open(fn)
		if err != nil {
			return nil, errors.Wrapf(err, "plane %s", fn)
		}
		if vol == nil {
			bounds := img.Bounds()
			vol, err = NewVolume([3]int{len(files), bounds.Dy(), bounds.Dx()}, [3]float64{1, 1, 1})
			if err != nil {
				return nil, err
			}
		}
		dims := vol.Dims()
		if img.Bounds().Dx() != dims[2] || img.Bounds().Dy() != dims[1] {
			img = resize.Resize(uint(dims[2]), uint(dims[1]), img, resize.Bilinear)
		}
		fillPlaneFromImage(vol, d, img)
	}
	return vol, nil
}

func fillPlaneFromImage(vol *Volume, d int, img image.Image) {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			r, _, _, _ := gray.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			vol.Set(d, y, x, float32(r>>8))
		}
	}
}

// WriteImageStack writes each plane of the volume as a png in the directory,
// normalizing values to the 8 bit range. The directory is created if needed.
func WriteImageStack(dir string, v *Volume) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	minV, maxV := v.MinMax()
	scale := float32(0)
	if maxV > minV {
		scale = 255 / (maxV - minV)
	}

	dims := v.Dims()
	for d := 0; d < dims[0]; d++ {
		img := image.NewGray(image.Rect(0, 0, dims[2], dims[1]))
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[2]; x++ {
				img.Pix[y*img.Stride+x] = uint8((v.At(d, y, x) - minV) * scale)
			}
		}
		fn := filepath.Join(dir, fmt.Sprintf("plane_%04d.png", d))
		if err := imaging.Save(img, fn); err != nil {
			return errors.Wrapf(err, "plane %d", d)
		}
	}
	return nil
}

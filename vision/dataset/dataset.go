// Package dataset provides the on-disk image datasets: an unlabeled patch
// folder for pretraining and a class-per-subdirectory labeled folder for
// tuning-time evaluation.
package dataset

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "image/jpeg"
	_ "image/png"
)

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func decodeImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// PatchDataset is an unlabeled set of image patches found by walking a root
// directory. Paths are sorted so every process sees the same ordering.
type PatchDataset struct {
	paths []string
}

func NewPatchDataset(root string) (*PatchDataset, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isImageFile(d.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk dataset root %s: %w", root, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found under %s", root)
	}
	sort.Strings(paths)
	return &PatchDataset{paths: paths}, nil
}

func (d *PatchDataset) Len() int { return len(d.paths) }

// Image decodes the i-th patch.
func (d *PatchDataset) Image(i int) (image.Image, error) {
	return decodeImage(d.paths[i])
}

// Subsample keeps a uniformly drawn fraction of the dataset, at least one
// sample. The draw is deterministic given the generator, so every process in
// the group keeps the same subset.
func (d *PatchDataset) Subsample(pct float64, rng *rand.Rand) {
	if pct <= 0 || pct >= 1 {
		return
	}
	keep := int(float64(len(d.paths)) * pct)
	if keep < 1 {
		keep = 1
	}
	perm := rng.Perm(len(d.paths))[:keep]
	sort.Ints(perm)
	kept := make([]string, keep)
	for i, idx := range perm {
		kept[i] = d.paths[idx]
	}
	d.paths = kept
}

// ImageFolder is a labeled dataset laid out as one subdirectory per class.
// Class indices follow the sorted subdirectory names.
type ImageFolder struct {
	classes []string
	paths   []string
	labels  []int
}

func NewImageFolder(root string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dataset root %s: %w", root, err)
	}
	f := &ImageFolder{}
	for _, e := range entries {
		if e.IsDir() {
			f.classes = append(f.classes, e.Name())
		}
	}
	sort.Strings(f.classes)
	if len(f.classes) == 0 {
		return nil, fmt.Errorf("no class directories under %s", root)
	}
	for label, class := range f.classes {
		dir := filepath.Join(root, class)
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read class dir %s: %w", dir, err)
		}
		for _, file := range files {
			if !file.IsDir() && isImageFile(file.Name()) {
				f.paths = append(f.paths, filepath.Join(dir, file.Name()))
				f.labels = append(f.labels, label)
			}
		}
	}
	if len(f.paths) == 0 {
		return nil, fmt.Errorf("no images found under %s", root)
	}
	return f, nil
}

func (f *ImageFolder) Len() int          { return len(f.paths) }
func (f *ImageFolder) Classes() []string { return f.classes }

// Sample decodes the i-th image and returns it with its class index.
func (f *ImageFolder) Sample(i int) (image.Image, int, error) {
	img, err := decodeImage(f.paths[i])
	if err != nil {
		return nil, 0, err
	}
	return img, f.labels[i], nil
}

package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	constant "github.com/lungscan/classifier-broker/classifier/const"
)

type Subset int

const (
	Training Subset = iota
	Validation
)

func (s Subset) String() string {
	return [...]string{"training", "validation"}[s]
}

// ImageFolder is a dataset laid out one subdirectory per class. Classes and
// files are ordered by name, which is the order the framework's directory
// iterator assigns class indices and split boundaries in.
type ImageFolder struct {
	root       string
	classNames []string
	files      [][]string
}

// Scan lists every image below root. Each class directory is walked
// recursively and non-image files are ignored.
func Scan(root string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	d := &ImageFolder{root: root}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		classDir := filepath.Join(root, entry.Name())
		files, err := listImages(classDir)
		if err != nil {
			return nil, err
		}

		d.classNames = append(d.classNames, entry.Name())
		d.files = append(d.files, files)
	}

	if d.Len() == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}

	return d, nil
}

// listImages walks dir recursively. Directories are visited in path order
// and the files of each directory are sorted by name, so a file in a nested
// directory follows all files of its parent.
func listImages(dir string) ([]string, error) {
	byDir := make(map[string][]string)
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && isImage(entry.Name()) {
			parent := filepath.Dir(path)
			byDir[parent] = append(byDir[parent], path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images in %s: %w", dir, err)
	}

	dirs := make([]string, 0, len(byDir))
	for d := range byDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	var files []string
	for _, d := range dirs {
		names := byDir[d]
		sort.Strings(names)
		files = append(files, names...)
	}
	return files, nil
}

func isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range constant.ImageExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (d *ImageFolder) Root() string {
	return d.root
}

// Len returns the number of images in the dataset
func (d *ImageFolder) Len() int {
	n := 0
	for _, files := range d.files {
		n += len(files)
	}
	return n
}

func (d *ImageFolder) NumClasses() int {
	return len(d.classNames)
}

func (d *ImageFolder) ClassNames() []string {
	names := make([]string, len(d.classNames))
	copy(names, d.classNames)
	return names
}

// ClassDistribution returns the number of images per class
func (d *ImageFolder) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for i, name := range d.classNames {
		dist[name] = len(d.files[i])
	}
	return dist
}

// SubsetFiles returns the files of one subset. Per class, the first
// int(ratio*n) files form the validation subset and the rest the training
// subset.
func (d *ImageFolder) SubsetFiles(subset Subset, ratio float64) []string {
	var out []string
	for _, files := range d.files {
		boundary := int(ratio * float64(len(files)))
		if subset == Validation {
			out = append(out, files[:boundary]...)
		} else {
			out = append(out, files[boundary:]...)
		}
	}
	return out
}

func (d *ImageFolder) SubsetSize(subset Subset, ratio float64) int {
	n := 0
	for _, files := range d.files {
		boundary := int(ratio * float64(len(files)))
		if subset == Validation {
			n += boundary
		} else {
			n += len(files) - boundary
		}
	}
	return n
}

// StepsPerEpoch is the number of full batches in samples. A trailing partial
// batch is dropped.
func StepsPerEpoch(samples, batchSize int) int {
	if batchSize <= 0 || samples <= 0 {
		return 0
	}
	return samples / batchSize
}

func (d *ImageFolder) String() string {
	return fmt.Sprintf("ImageFolder(root=%s, classes=%d, images=%d)", d.root, d.NumClasses(), d.Len())
}

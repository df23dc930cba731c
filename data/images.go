package data

import (
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/data/db"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/pkg/errors"
)

// Dataset splits accepted for uploads
const (
	SplitTrain      = "train"
	SplitValidation = "validation"
)

// ErrNoCatalog is returned by operations that read the catalog when none is configured
var ErrNoCatalog = errors.New("no catalog configured")

// SaveFunc stores an uploaded file at dst
type SaveFunc func(*multipart.FileHeader, string) error

func saveImage(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// imageDir folder of a class in the train or validation tree
func (dm *Manager) imageDir(split, class string) (string, error) {
	var root string
	switch split {
	case SplitTrain:
		root = dm.cfg.TrainDir
	case SplitValidation:
		root = dm.cfg.ValidationDir
	default:
		return "", errors.Errorf("unknown split %q", split)
	}
	for _, c := range dm.cfg.Classes {
		if c == class {
			return filepath.Join(root, class), nil
		}
	}
	return "", errors.Errorf("unknown class %q", class)
}

func uploadError(name, fileName string, err error) map[string]interface{} {
	return map[string]interface{}{
		"orgfilename": name,
		"filename":    fileName,
		"error":       err.Error(),
	}
}

// SaveImages stores uploaded images in a class folder under a unique name.
// Files that are not valid images of at least the minimum side are rejected, so the folder stays clean.
func (dm *Manager) SaveImages(split, class string, images []*multipart.FileHeader, f SaveFunc, verbose bool) (map[string]interface{}, error) {
	fileDir, err := dm.imageDir(split, class)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(fileDir, os.ModePerm); err != nil {
		return nil, err
	}
	if f == nil {
		f = saveImage
	}

	var (
		total      int64
		successful int64
		failed     int64
		items      []db.Item
		errs       []map[string]interface{}
	)
	runID := newRunID()
	for _, image := range images {
		total++

		orgFileName := filepath.Base(image.Filename)
		fileName := fmt.Sprintf("%s-%s", uuid.New().String()[:8], orgFileName)
		filePath := filepath.Join(fileDir, fileName)

		err := func() error {
			if !dataset.HasExt(orgFileName, constants.ImageExtensions) {
				return errors.Errorf("unsupported image format: %s", dataset.Format(orgFileName))
			}
			if err := f(image, filePath); err != nil {
				return err
			}
			if err := VerifyImage(filePath, dm.cfg.MinImageSide); err != nil {
				os.Remove(filePath)
				return err
			}
			return nil
		}()
		if err != nil {
			if verbose {
				errs = append(errs, uploadError(orgFileName, fileName, err))
			}
			failed++
			continue
		}

		item := db.Item{
			RunID:      runID,
			Operation:  db.OpUpload,
			Label:      class,
			Split:      split,
			Filename:   fileName,
			FileFormat: dataset.Format(orgFileName),
			FilePath:   filePath,
			Detail:     orgFileName,
			CreateAt:   time.Now(),
		}
		if dm.Conn != nil {
			if err := dm.Conn.Insert(item); err != nil {
				os.Remove(filePath)
				if verbose {
					errs = append(errs, uploadError(orgFileName, fileName, err))
				}
				failed++
				continue
			}
		}

		if verbose {
			items = append(items, item)
		}
		successful++
	}

	result := map[string]interface{}{
		"infos": map[string]int64{
			"total":      total,
			"successful": successful,
			"failed":     failed,
		},
	}
	if verbose {
		result["images"] = items
		result["errors"] = errs
	}

	return result, nil
}

// DeleteImages removes uploaded images matching the filter from disk and from the catalog.
// Entries whose file cannot be removed stay in the catalog.
func (dm *Manager) DeleteImages(split, class, fileName string, verbose bool) (map[string]interface{}, error) {
	if dm.Conn == nil {
		return nil, ErrNoCatalog
	}
	param := db.Item{
		Operation: db.OpUpload,
		Split:     split,
		Label:     class,
		Filename:  fileName,
	}

	getInfos, items, err := dm.Conn.Get(param)
	if err != nil {
		return nil, err
	}
	if getInfos["total"] != getInfos["successful"] {
		return nil, errors.Errorf("fail to read images %d of %d", getInfos["failed"], getInfos["total"])
	}

	var (
		deleted int64
		removed []db.Item
	)
	errs := make([]map[string]interface{}, 0)
	for _, item := range items {
		// a file that cannot be removed keeps its catalog entry
		if err := os.Remove(item.FilePath); err != nil && !os.IsNotExist(err) {
			log.Print(err)
			if verbose {
				errs = append(errs, uploadError(item.Detail, item.Filename, err))
			}
			continue
		}

		n, err := dm.Conn.Delete(db.Item{
			Operation: db.OpUpload,
			Split:     item.Split,
			Label:     item.Label,
			Filename:  item.Filename,
		})
		if err != nil {
			return nil, err
		}
		deleted += n
		removed = append(removed, item)
	}

	result := map[string]interface{}{
		"infos": map[string]int64{
			"total":      getInfos["total"],
			"successful": deleted,
			"failed":     getInfos["total"] - deleted,
		},
	}
	if verbose {
		result["images"] = removed
		result["errors"] = errs
	}

	return result, nil
}

// ListUploads catalog entries of the uploaded images matching split and class, empty meaning any
func (dm *Manager) ListUploads(split, class string) (map[string]interface{}, error) {
	if dm.Conn == nil {
		return nil, ErrNoCatalog
	}

	infos, items, err := dm.Conn.Get(db.Item{Operation: db.OpUpload, Split: split, Label: class})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"infos":  infos,
		"images": items,
	}, nil
}

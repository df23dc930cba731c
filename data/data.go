package data

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/data/db"
	"github.com/maricarminate/Cats-vs-Dogs/dataset"
	"github.com/pkg/errors"
)

var rule = strings.Repeat("=", 70)

// Manager splits and cleans the labelled image directories and stores uploaded images
type Manager struct {
	Conn *db.DBconn
	Out  io.Writer

	cfg config.Config
}

// ListImages names of the regular files in dir with one of exts, sorted
func ListImages(dir string, exts []string) ([]string, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.Mode().IsRegular() && dataset.HasExt(e.Name(), exts) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	return names, nil
}

// CountImages number of images in dir
func CountImages(dir string, exts []string) (int, error) {
	names, err := ListImages(dir, exts)
	return len(names), err
}

// ClassDirs train and validation directories of every class
func ClassDirs(cfg config.Config) []string {
	var dirs []string
	for _, root := range []string{cfg.TrainDir, cfg.ValidationDir} {
		for _, class := range cfg.Classes {
			dirs = append(dirs, filepath.Join(root, class))
		}
	}
	return dirs
}

// moveFile renames src to dst, copying across devices. An existing dst is never replaced.
func moveFile(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return errors.Errorf("%s already exists", dst)
	} else if !os.IsNotExist(err) {
		return err
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err = out.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	return os.Remove(src)
}

func (dm *Manager) printf(format string, args ...interface{}) {
	if dm.Out != nil {
		fmt.Fprintf(dm.Out, format, args...)
	}
}

func (dm *Manager) banner(title string) {
	dm.printf("\n%s\n%s\n%s\n", rule, title, rule)
}

func newRunID() string {
	return uuid.New().String()
}

// record adds item to the catalog, if any; failures are only logged
func (dm *Manager) record(item db.Item) {
	if dm.Conn == nil {
		return
	}
	item.CreateAt = time.Now()
	if err := dm.Conn.Insert(item); err != nil {
		log.Print(err)
	}
}

// Destroy releases the catalog connection
func (dm *Manager) Destroy() {
	if dm.Conn == nil {
		return
	}
	if err := dm.Conn.Destroy(); err != nil {
		log.Printf("DB %s close failed: %s", dm.Conn.TableName, err)
	}
}

// New creates a Manager printing to out, opening the catalog when configured
func New(cfg config.Config, out io.Writer) (*Manager, error) {
	dm := &Manager{Out: out, cfg: cfg}
	if !cfg.Catalog.Enabled() {
		return dm, nil
	}

	conn, err := db.New(db.Config{
		DriverName: cfg.Catalog.Driver,
		ConnInfo:   cfg.Catalog.Conn,
		TableName:  cfg.Catalog.Table,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("DB %s successfully initialized", cfg.Catalog.Table)
	dm.Conn = conn

	return dm, nil
}

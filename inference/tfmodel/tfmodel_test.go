//go:build tensorflow
// +build tensorflow

package tfmodel

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	assert.NilError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, configFile, `
name: cats-vs-dogs
classification: binary
inputShape: [150, 150, 3]
inputOperationName: serving_default_input
outputOperationName: StatefulPartitionedCall
`)

	cfg, err := readConfig(dir)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Name, "cats-vs-dogs")
	assert.DeepEqual(t, cfg.InputShape, []int32{150, 150, 3})
	assert.DeepEqual(t, cfg.Tags, []string{"serve"})
	assert.Equal(t, cfg.LabelsFile, "labels.txt")
}

func TestReadConfigRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     string
	}{
		{
			name:    "shape",
			content: "inputShape: [150]\ninputOperationName: in\noutputOperationName: out\n",
			err:     "invalid input shape",
		},
		{
			name:    "operations",
			content: "inputShape: [150, 150]\ninputOperationName: in\n",
			err:     "operation names are required",
		},
		{
			name:    "classification",
			content: "classification: multi\ninputShape: [150, 150]\ninputOperationName: in\noutputOperationName: out\n",
			err:     "unsupported classification",
		},
		{
			name:    "yaml",
			content: "inputShape: [150, 150\n",
			err:     "parse model config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, configFile, tt.content)
			_, err := readConfig(dir)
			assert.ErrorContains(t, err, tt.err)
		})
	}

	_, err := readConfig(t.TempDir())
	assert.Assert(t, os.IsNotExist(err))
}

func TestReadLabels(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "labels.txt", "cats\n\ndogs\n\n")

	labels, err := readLabels(filepath.Join(dir, "labels.txt"))
	assert.NilError(t, err)
	assert.DeepEqual(t, labels, []string{"cats", "dogs"})

	_, err = readLabels(filepath.Join(dir, "missing.txt"))
	assert.Assert(t, err != nil)
}

func TestIsSavedModel(t *testing.T) {
	dir := t.TempDir()
	fi, err := os.Stat(dir)
	assert.NilError(t, err)
	assert.Assert(t, !IsSavedModel(dir, fi))

	writeFile(t, dir, configFile, "name: m\n")
	assert.Assert(t, !IsSavedModel(dir, fi))

	writeFile(t, dir, savedModelFile, "")
	assert.Assert(t, IsSavedModel(dir, fi))

	file := filepath.Join(dir, configFile)
	fi, err = os.Stat(file)
	assert.NilError(t, err)
	assert.Assert(t, !IsSavedModel(file, fi))
}

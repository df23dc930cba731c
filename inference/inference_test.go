package inference

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maricarminate/Cats-vs-Dogs/config"
	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/model"
	"gotest.tools/assert"
)

func TestClassifyThreshold(t *testing.T) {
	labels := []string{"cats", "dogs"}

	p := Classify(0.5, labels)
	assert.Equal(t, p.Label, "cat")
	assert.Equal(t, p.Class, "cats")
	assert.Equal(t, p.Confidence, 50.0)

	p = Classify(0.51, labels)
	assert.Equal(t, p.Label, "dog")
	assert.Assert(t, p.Confidence > 50.9 && p.Confidence < 51.1)

	p = Classify(0.1, labels)
	assert.Equal(t, p.Label, "cat")
	assert.Assert(t, p.Confidence > 89.9 && p.Confidence < 90.1)

	// unknown labels fall back to the class directories
	p = Classify(0.9, nil)
	assert.Equal(t, p.Class, constants.DogsDir)

	cat, dog := Classify(0.25, labels).Probabilities()
	assert.Equal(t, cat, 75.0)
	assert.Equal(t, dog, 25.0)
}

func TestCertainty(t *testing.T) {
	for _, tc := range []struct {
		confidence float64
		want       string
	}{
		{99, "VERY HIGH"},
		{90, "HIGH"},
		{70.5, "HIGH"},
		{70, "MODERATE"},
		{50.1, "MODERATE"},
		{50, "LOW (model is uncertain)"},
	} {
		assert.Equal(t, Prediction{Confidence: tc.confidence}.Certainty(), tc.want, tc.confidence)
	}
}

func TestDisplayLabel(t *testing.T) {
	assert.Equal(t, DisplayLabel("cats"), "cat")
	assert.Equal(t, DisplayLabel("dogs"), "dog")
	assert.Equal(t, DisplayLabel("birds"), "birds")
}

func saveModel(t *testing.T, dir string) string {
	t.Helper()
	net, err := model.New(model.DefaultLayers(0.5), 46, 3, 1)
	assert.NilError(t, err)
	m := model.NewModel("cats-vs-dogs", net, []string{"cats", "dogs"}, model.History{
		Loss:        []float64{0.7},
		Accuracy:    []float64{0.5},
		ValLoss:     []float64{0.69},
		ValAccuracy: []float64{0.55},
	})
	file := filepath.Join(dir, "model.keras")
	assert.NilError(t, m.Save(file))
	return file
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{uint8(4 * x), uint8(5 * y), 90, 255})
		}
	}
	var buf bytes.Buffer
	assert.NilError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestOpenNative(t *testing.T) {
	file := saveModel(t, t.TempDir())

	clf, err := Open(file)
	assert.NilError(t, err)
	defer clf.Close()

	info := clf.Info()
	assert.Equal(t, info.Backend, NativeBackend)
	assert.Equal(t, info.Name, "cats-vs-dogs")
	assert.DeepEqual(t, info.InputShape, []int{46, 46, 3})
	assert.Equal(t, info.TrainingResult.Epochs, 1)

	img, _, err := image.Decode(bytes.NewReader(testImage(t)))
	assert.NilError(t, err)
	p, err := clf.Classify(img)
	assert.NilError(t, err)
	assert.Assert(t, p.Probability >= 0 && p.Probability <= 1)
	assert.Equal(t, p.Label == "dog", p.Probability > 0.5)
	assert.Assert(t, p.Confidence >= 50 && p.Confidence <= 100)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.keras"))
	assert.ErrorContains(t, err, "model not found")

	bad := filepath.Join(t.TempDir(), "bad.keras")
	assert.NilError(t, ioutil.WriteFile(bad, []byte("not a model"), 0644))
	_, err = Open(bad)
	assert.ErrorContains(t, err, "open native model")

	// a plain directory matches no backend
	_, err = Open(t.TempDir())
	assert.ErrorContains(t, err, "no backend")
}

type fakeClassifier struct {
	prob   float32
	closed bool
}

func (f *fakeClassifier) Classify(img image.Image) (Prediction, error) {
	return Classify(f.prob, []string{"cats", "dogs"}), nil
}

func (f *fakeClassifier) Info() ModelInfo {
	return ModelInfo{Name: "fake", Backend: "fake", Labels: []string{"cats", "dogs"}}
}

func (f *fakeClassifier) Close() error {
	f.closed = true
	return nil
}

func TestService(t *testing.T) {
	s, err := New(Config{})
	assert.NilError(t, err)
	defer s.Destroy()

	dog := &fakeClassifier{prob: 0.97}
	cat := &fakeClassifier{prob: 0.2}
	assert.NilError(t, s.AddModel("default", "a", dog))
	assert.NilError(t, s.AddModel("second", "b", cat))
	assert.ErrorContains(t, s.AddModel("default", "c", cat), "duplicated model")
	assert.ErrorContains(t, s.AddModel("third", "b", cat), "duplicated model path")
	assert.ErrorContains(t, s.AddModel("", "d", cat), "empty model name")

	assert.DeepEqual(t, s.GetModels(), []string{"default", "second"})

	res, err := s.Infer("default", testImage(t))
	assert.NilError(t, err)
	assert.Equal(t, res.Format, "png")
	assert.Equal(t, res.Width, 64)
	assert.Equal(t, res.Height, 48)
	assert.Equal(t, res.Prediction.Label, "dog")
	assert.Equal(t, res.Certainty, "VERY HIGH")

	res, err = s.Infer("second", testImage(t))
	assert.NilError(t, err)
	assert.Equal(t, res.Prediction.Label, "cat")

	_, err = s.Infer("missing", testImage(t))
	assert.ErrorContains(t, err, "no such model")
	_, err = s.Infer("default", []byte("garbage"))
	assert.ErrorContains(t, err, "decode image")

	info := s.GetModel("second", true)
	assert.Equal(t, info["model"], "second")
	assert.Equal(t, info["refCount"], int32(0))
	_, ok := info["trainingResult"]
	assert.Assert(t, ok)
	_, ok = s.GetModel("second", false)["trainingResult"]
	assert.Assert(t, !ok)
	assert.Assert(t, s.GetModel("missing", false) == nil)

	assert.NilError(t, s.DeleteModel("second"))
	assert.Assert(t, cat.closed)
	assert.ErrorContains(t, s.DeleteModel("second"), "no such model")
	assert.DeepEqual(t, s.GetModels(), []string{"default"})
}

func TestServiceLoadsModels(t *testing.T) {
	dir := t.TempDir()
	file := saveModel(t, dir)
	assert.NilError(t, ioutil.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0644))

	s, err := New(Config{DefaultModel: file})
	assert.NilError(t, err)
	assert.DeepEqual(t, s.GetModels(), []string{constants.DefaultModelName})
	s.Destroy()

	_, err = New(Config{DefaultModel: filepath.Join(dir, "missing.keras")})
	assert.ErrorContains(t, err, "model not found")

	// entries that are not models are skipped
	s, err = New(Config{ModelsPath: dir})
	assert.NilError(t, err)
	defer s.Destroy()
	assert.DeepEqual(t, s.GetModels(), []string{"cats-vs-dogs"})
}

func trainingConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.TrainDir = filepath.Join(root, "train")
	cfg.ValidationDir = filepath.Join(root, "validation")
	cfg.ImageSize = 46
	cfg.BatchSize = 2
	cfg.Epochs = 3
	cfg.Workers = 1
	cfg.Seed = 5

	content := testImage(t)
	for _, dir := range []string{cfg.TrainDir, cfg.ValidationDir} {
		for _, class := range cfg.Classes {
			assert.NilError(t, os.MkdirAll(filepath.Join(dir, class), 0755))
			for _, name := range []string{"a.png", "b.png"} {
				assert.NilError(t, ioutil.WriteFile(filepath.Join(dir, class, name), content, 0644))
			}
		}
	}
	return &cfg
}

// waitStatus polls the model until it reports status or disappears
func waitStatus(t *testing.T, s *Service, model, status string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		info := s.GetModel(model, false)
		if info == nil || info["status"] == status {
			return info
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("model %s did not reach status %s", model, status)
	return nil
}

func TestCreateModel(t *testing.T) {
	modelsPath := filepath.Join(t.TempDir(), "models")
	s, err := New(Config{ModelsPath: modelsPath, Training: trainingConfig(t)})
	assert.NilError(t, err)
	defer s.Destroy()

	res, err := s.CreateModel("tiny", BuildOptions{Epochs: 1, Description: "built by the service"})
	assert.NilError(t, err)
	assert.Equal(t, res["status"], "build")
	assert.Equal(t, res["epochs"], 1)
	_, err = s.CreateModel("tiny", BuildOptions{})
	assert.ErrorContains(t, err, "duplicated model")

	info := waitStatus(t, s, "tiny", "run")
	assert.Assert(t, info != nil)
	assert.Equal(t, info["backend"], NativeBackend)
	assert.Equal(t, info["description"], "built by the service")
	_, err = os.Stat(res["path"].(string))
	assert.NilError(t, err)

	result, err := s.Infer("tiny", testImage(t))
	assert.NilError(t, err)
	assert.Assert(t, result.Prediction.Label == "cat" || result.Prediction.Label == "dog")

	// the saved model is served again after a restart
	s2, err := New(Config{ModelsPath: modelsPath})
	assert.NilError(t, err)
	defer s2.Destroy()
	assert.DeepEqual(t, s2.GetModels(), []string{"tiny"})
}

func TestCreateModelFails(t *testing.T) {
	s, err := New(Config{})
	assert.NilError(t, err)
	_, err = s.CreateModel("tiny", BuildOptions{})
	assert.ErrorContains(t, err, "not configured")
	s.Destroy()

	cfg := trainingConfig(t)
	assert.NilError(t, os.RemoveAll(cfg.ValidationDir))
	s, err = New(Config{ModelsPath: t.TempDir(), Training: cfg})
	assert.NilError(t, err)
	defer s.Destroy()

	_, err = s.CreateModel("", BuildOptions{})
	assert.ErrorContains(t, err, "empty model name")

	_, err = s.CreateModel("broken", BuildOptions{})
	assert.NilError(t, err)
	assert.Assert(t, waitStatus(t, s, "broken", "run") == nil)
	assert.DeepEqual(t, s.GetModels(), []string{})
}

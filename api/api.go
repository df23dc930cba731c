// Package api exposes the inference service over HTTP.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/maricarminate/Cats-vs-Dogs/constants"
	"github.com/maricarminate/Cats-vs-Dogs/data"
	"github.com/maricarminate/Cats-vs-Dogs/inference"
)

// APIs api handlers
type APIs struct {
	I *inference.Service
	M *data.Manager
}

// ListModels names of the served models
func (a *APIs) ListModels(c *gin.Context) {
	models := a.I.GetModels()
	c.JSON(http.StatusOK, gin.H{
		"models": models,
	})
}

// ShowModel information about one model, with its training history when verbose is set
func (a *APIs) ShowModel(c *gin.Context) {
	model := c.Param("model")
	_, verbose := c.GetQuery("verbose")

	if info := a.I.GetModel(model, verbose); info != nil {
		c.JSON(http.StatusOK, info)
	} else {
		Error(c, http.StatusNotFound, fmt.Errorf("cannot find model info: %s", model))
	}
}

// InferDefault classifies with the default model
func (a *APIs) InferDefault(c *gin.Context) {
	a.infer(c, constants.DefaultModelName)
}

// InferWithModel classifies with the named model
func (a *APIs) InferWithModel(c *gin.Context) {
	model := c.Param("model")
	a.infer(c, model)
}

func (a *APIs) infer(c *gin.Context, model string) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	var image bytes.Buffer
	n, err := io.Copy(&image, file)
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(header.Filename)), ".")

	t0 := time.Now()
	result, err := a.I.Infer(model, image.Bytes())
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	elapsed := time.Since(t0)

	if result.Format != "" {
		format = result.Format
	}
	c.JSON(http.StatusOK, gin.H{
		"file":        header.Filename,
		"format":      format,
		"bytes":       n,
		"inference":   result.Prediction,
		"certainty":   result.Certainty,
		"elapsed(ms)": elapsed.Milliseconds(),
	})
}

// CreateModel trains a new model in the background, epochs and desc are optional
func (a *APIs) CreateModel(c *gin.Context) {
	model := c.Param("model")
	if model == "" {
		Error(c, http.StatusBadRequest, errors.New("empty model name"))
		return
	}

	epochs, err := strconv.Atoi(c.Query("epochs"))
	if err != nil {
		epochs = 0
	}
	opts := inference.BuildOptions{
		Epochs:      epochs,
		Description: c.Query("desc"),
	}

	if res, err := a.I.CreateModel(model, opts); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.JSON(http.StatusOK, res)
	}
}

// DeleteModel stops serving a model
func (a *APIs) DeleteModel(c *gin.Context) {
	model := c.Param("model")
	if model == "" {
		Error(c, http.StatusBadRequest, errors.New("empty model name"))
		return
	}

	if err := a.I.DeleteModel(model); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.String(http.StatusOK, "OK")
	}
}

// UploadImages stores images into the train or validation folder of a class
func (a *APIs) UploadImages(c *gin.Context) {
	var (
		split string
		class string
	)
	if split = c.Query("split"); split == "" {
		Error(c, http.StatusBadRequest, errors.New("empty `split`"))
		return
	}
	if class = c.Query("class"); class == "" {
		Error(c, http.StatusBadRequest, errors.New("empty `class`"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	images := form.File["images[]"]
	_, verbose := c.GetQuery("verbose")

	if result, err := a.M.SaveImages(split, class, images, c.SaveUploadedFile, verbose); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// DeleteImages removes uploaded images
func (a *APIs) DeleteImages(c *gin.Context) {
	split := c.Query("split")
	class := c.Query("class")
	fileName := c.Query("filename")
	_, verbose := c.GetQuery("verbose")

	if result, err := a.M.DeleteImages(split, class, fileName, verbose); err != nil {
		Error(c, http.StatusInternalServerError, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// ListImages uploaded images
func (a *APIs) ListImages(c *gin.Context) {
	split := c.Query("split")
	class := c.Query("class")

	if result, err := a.M.ListUploads(split, class); err != nil {
		Error(c, http.StatusBadRequest, err)
	} else {
		c.JSON(http.StatusOK, result)
	}
}

// Router registers the handlers on a new gin engine
func (a *APIs) Router() *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = 8 << 20

	inferenceGroup := r.Group("/inference")
	{
		inferenceGroup.POST("", a.InferDefault)
		inferenceGroup.POST(":model", a.InferWithModel)
	}

	modelsGroup := r.Group("/models")
	{
		modelsGroup.GET("", a.ListModels)
		modelsGroup.GET(":model", a.ShowModel)
		modelsGroup.POST(":model", a.CreateModel)
		modelsGroup.DELETE(":model", a.DeleteModel)
	}

	if a.M != nil {
		imagesGroup := r.Group("/images")
		{
			imagesGroup.GET("", a.ListImages)
			imagesGroup.POST("", a.UploadImages)
			imagesGroup.DELETE("", a.DeleteImages)
		}
	}

	return r
}

// HTTPError api error message
type HTTPError struct {
	Error string `json:"error"`
}

// Error writes err as a json error response
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}

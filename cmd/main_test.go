package main

import (
	"bytes"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightglass-ml/sightglass"
)

func collectBatches(t *testing.T, raw string, size int) [][]input {
	t.Helper()
	oldBatchSize := batchSize
	batchSize = size
	defer func() { batchSize = oldBatchSize }()

	inputChannel := make(chan []input, 100)
	err := readInputs(strings.NewReader(raw), inputChannel)
	require.NoError(t, err)
	close(inputChannel)

	var batches [][]input
	for batch := range inputChannel {
		batches = append(batches, batch)
	}
	return batches
}

func TestReadInputs(t *testing.T) {
	batches := collectBatches(t, "a.jpg\n\n{\"input\": \"b.png\"}\n  c.gif  \n", 20)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 3)
	assert.Equal(t, "a.jpg", batches[0][0].Input)
	assert.Equal(t, "b.png", batches[0][1].Input)
	assert.Equal(t, "c.gif", batches[0][2].Input)
}

func TestReadInputsBatching(t *testing.T) {
	batches := collectBatches(t, "1.jpg\n2.jpg\n3.jpg\n4.jpg\n5.jpg\n", 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "5.jpg", batches[2][0].Input)
}

func TestReadInputsBadJSON(t *testing.T) {
	inputChannel := make(chan []input, 10)
	err := readInputs(strings.NewReader("{not json}\n"), inputChannel)
	assert.Error(t, err)
}

func TestInputMarshal(t *testing.T) {
	out, err := jsoniter.MarshalToString(input{Input: "cat.jpg", Output: map[string]any{"label": "cat"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"input":"cat.jpg","output":{"label":"cat"}}`, out)
}

func TestResolveModelExistingPath(t *testing.T) {
	dir := t.TempDir()
	resolved, err := resolveModel(dir, sightglass.NewDownloadOptions())
	require.NoError(t, err)
	assert.Equal(t, dir, resolved)
}

func TestResolveModelDownloadedName(t *testing.T) {
	oldModelsDir := modelsDir
	modelsDir = t.TempDir()
	defer func() { modelsDir = oldModelsDir }()

	local := filepath.Join(modelsDir, "acme_classifier")
	require.NoError(t, os.MkdirAll(local, os.ModePerm))

	resolved, err := resolveModel("acme/classifier", sightglass.NewDownloadOptions())
	require.NoError(t, err)
	assert.Equal(t, local, resolved)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/health", healthHandler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 200, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestMemoryHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	session, err := sightglass.NewGoSession()
	require.NoError(t, err)

	r := gin.New()
	r.GET("/memory", memoryHandler(session))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/memory", nil))
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"backend":"go"`)
	assert.Contains(t, w.Body.String(), `"loaded_models":0`)

	// once the session is gone the endpoint reports unavailable
	require.NoError(t, session.Destroy())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/memory", nil))
	assert.Equal(t, 503, w.Code)
}

func TestStatsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	session, err := sightglass.NewGoSession()
	require.NoError(t, err)
	defer func() {
		require.NoError(t, session.Destroy())
	}()

	r := gin.New()
	r.GET("/stats", statsHandler(session))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "stats")
}

func TestPredictHandler(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("token = \"unit-secret\"\n"), 0o600))
	t.Setenv("SIGHTGLASS_CONFIG", configPath)

	gin.SetMode(gin.TestMode)
	session := sightglass.NewSession()
	r := gin.New()
	r.POST("/predict", predictHandler(session, "classifier"))

	// wrong token
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/predict", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	r.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)

	// missing token
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/predict", nil))
	assert.Equal(t, 401, w.Code)

	// authorized but nothing uploaded
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/predict", nil)
	req.Header.Set("Authorization", "Bearer unit-secret")
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "no image uploaded")

	// upload that is not an image
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/predict", multipartUpload(t, "bad.jpg", []byte("not an image")))
	req.Header.Set("Authorization", "Bearer unit-secret")
	req.Header.Set("Content-Type", multipartContentType)
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "cannot decode image")

	// a raw body that is not an image
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString("not an image"))
	req.Header.Set("Authorization", "Bearer unit-secret")
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "cannot decode image from request body")

	// valid image but the model is not loaded
	var pngBuffer bytes.Buffer
	require.NoError(t, png.Encode(&pngBuffer, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/predict", multipartUpload(t, "ok.png", pngBuffer.Bytes()))
	req.Header.Set("Authorization", "Bearer unit-secret")
	req.Header.Set("Content-Type", multipartContentType)
	r.ServeHTTP(w, req)
	assert.Equal(t, 500, w.Code)
	assert.Contains(t, w.Body.String(), "prediction failed")

	// raw body upload of a valid image, same not-loaded failure
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBuffer(pngBuffer.Bytes()))
	req.Header.Set("Authorization", "Bearer unit-secret")
	r.ServeHTTP(w, req)
	assert.Equal(t, 500, w.Code)
	assert.Contains(t, w.Body.String(), "prediction failed")
}

var multipartContentType string

func multipartUpload(t *testing.T, filename string, data []byte) *bytes.Buffer {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	formFile, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = formFile.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	multipartContentType = writer.FormDataContentType()
	return body
}

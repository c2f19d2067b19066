package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/sightglass-ml/sightglass"
	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/config"
	"github.com/sightglass-ml/sightglass/options"
	"github.com/sightglass-ml/sightglass/pipelines"
	"github.com/sightglass-ml/sightglass/util/fileutil"
	"github.com/sightglass-ml/sightglass/util/imageutil"
)

var serveHost string
var servePort string
var serveModel string
var serveBackend string
var serveLibraryPath string

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve an image classification model over http",
	Description: `Serve loads a classification model and exposes it on POST /predict, accepting either
a multipart file upload or a raw image body. Settings are read from config.toml and
can be overridden with flags.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "host",
			Usage:       "Host to bind to",
			Destination: &serveHost,
		},
		&cli.StringFlag{
			Name:        "port",
			Usage:       "Port to bind to",
			Destination: &servePort,
		},
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Model name or path, overriding the configured model",
			Aliases:     []string{"m"},
			Destination: &serveModel,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Execution backend, one of: cpu, cuda, tensorrt, go",
			Aliases:     []string{"e"},
			Destination: &serveBackend,
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &serveLibraryPath,
		},
	},
	Action: runServe,
}

func runServe(_ *cli.Context) (err error) {
	cfg := config.C()

	host := cfg.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Port
	if servePort != "" {
		port = servePort
	}
	model := cfg.ModelRepo
	if serveModel != "" {
		model = serveModel
	}
	backendName := cfg.Backend
	if serveBackend != "" {
		backendName = serveBackend
	}
	libraryPath := cfg.Libonnx
	if serveLibraryPath != "" {
		libraryPath = serveLibraryPath
	}

	backend, err := backends.ParseBackend(backendName)
	if err != nil {
		return err
	}
	kind, err := backends.ParseModelKind(cfg.ModelKind)
	if err != nil {
		return err
	}
	if kind != backends.KindClassification {
		return fmt.Errorf("serve only supports classification models, got %s", kind)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("backend", string(backend)).Msg("Starting sightglass server")

	var sessionOptions []options.WithOption
	if libraryPath != "" {
		sessionOptions = append(sessionOptions, options.WithOnnxLibraryPath(libraryPath))
	}

	session := sightglass.NewSession()
	if err = session.Initialize(backend, sessionOptions...); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, session.Destroy())
	}()

	if modelsDir == "" {
		userDir, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return homeErr
		}
		modelsDir = fileutil.PathJoinSafe(userDir, "sightglass", cfg.ModelDir)
	}
	downloadOptions := sightglass.NewDownloadOptions()
	downloadOptions.OnnxFilePath = cfg.ModelFileName
	downloadOptions.AuthToken = cfg.HfToken
	resolvedPath, err := resolveModel(model, downloadOptions)
	if err != nil {
		return err
	}

	var pipelineOptions []sightglass.ImageClassificationOption
	if cfg.TopK > 0 {
		pipelineOptions = append(pipelineOptions, pipelines.WithTopK(cfg.TopK))
	}
	if cfg.Threshold > 0 {
		pipelineOptions = append(pipelineOptions, pipelines.WithScoreThreshold(cfg.Threshold))
	}
	if _, err = session.LoadModel(cfg.ModelName, resolvedPath, pipelineOptions...); err != nil {
		return err
	}
	log.Info().Str("model", resolvedPath).Str("name", cfg.ModelName).Msg("Model loaded")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/predict", predictHandler(session, cfg.ModelName))
	r.GET("/health", healthHandler)
	r.GET("/memory", memoryHandler(session))
	r.GET("/stats", statsHandler(session))

	addr := host + ":" + port
	server := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	log.Info().Str("address", addr).Msg("Listening")
	go func() {
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error().Err(serveErr).Msg("Server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return errors.Join(err, server.Shutdown(shutdownCtx))
}

var errUnauthorized = errors.New("unauthorized")

func authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	expectedToken := config.C().Token
	if expectedToken == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return errUnauthorized
	}

	return nil
}

type predictionResponse struct {
	Model          string           `json:"model"`
	Predictions    []predictionItem `json:"predictions"`
	ProcessingTime float64          `json:"processing_time_ms"`
}

type predictionItem struct {
	Label      string  `json:"label"`
	Score      float32 `json:"score"`
	ClassIndex int     `json:"class_index"`
}

func predictHandler(session *sightglass.Session, modelName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authenticate(c); err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return
		}

		var data []byte
		source := "request body"

		if fileHeader, formErr := c.FormFile("file"); formErr == nil {
			file, err := fileHeader.Open()
			if err != nil {
				c.JSON(400, gin.H{"error": "cannot open uploaded file"})
				return
			}
			defer func() {
				_ = file.Close()
			}()
			data, err = io.ReadAll(file)
			if err != nil {
				c.JSON(400, gin.H{"error": "cannot read uploaded file"})
				return
			}
			source = fileHeader.Filename
		} else {
			// no multipart upload, take the image from the raw body
			raw, rawErr := c.GetRawData()
			if rawErr != nil || len(raw) == 0 {
				c.JSON(400, gin.H{"error": "no image uploaded"})
				return
			}
			data = raw
		}

		img, err := imageutil.Decode(data, source)
		if err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}

		result, err := session.ClassifyImage(modelName, img)
		if err != nil {
			log.Error().Err(err).Msg("Prediction failed")
			c.JSON(500, gin.H{"error": "prediction failed"})
			return
		}

		response := predictionResponse{
			Model:          result.ModelName,
			ProcessingTime: float64(result.ProcessingTime.Microseconds()) / 1000.0,
		}
		for _, prediction := range result.Predictions {
			response.Predictions = append(response.Predictions, predictionItem{
				Label:      prediction.Label,
				Score:      prediction.Score,
				ClassIndex: prediction.ClassIndex,
			})
		}
		c.JSON(200, response)
	}
}

func healthHandler(c *gin.Context) {
	c.JSON(200, gin.H{"status": "healthy"})
}

func memoryHandler(session *sightglass.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := session.GetMemoryInfo()
		if err != nil {
			c.JSON(503, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, info)
	}
}

func statsHandler(session *sightglass.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{"stats": session.GetStats()})
	}
}

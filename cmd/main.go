package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/sightglass-ml/sightglass"
	"github.com/sightglass-ml/sightglass/backends"
	"github.com/sightglass-ml/sightglass/options"
	"github.com/sightglass-ml/sightglass/pipelines"
	"github.com/sightglass-ml/sightglass/util/fileutil"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".avif": true,
}

var modelPath string
var inputPath string
var outputPath string
var pipelineType string
var backendName string
var sharedLibraryPath string
var batchSize int
var modelsDir string
var topK int
var scoreThreshold float64

var classifyCommand = &cli.Command{
	Name:  "classify",
	Usage: "Run an image model on input images",
	Description: `Classify expects image paths to process, either as lines on stdin or behind --input.
Each line may be a plain path or url, or a json object {"input": "path"}. An --input pointing at a
folder walks it for images and .jsonl path lists.
				`,
	ArgsUsage: `
				--input: path to an image, a .jsonl file of paths, or a folder to walk. If omitted, paths are read from stdin.
				--output: path to a folder where to write the output. If omitted, the output will be sent to stdout.
				--model: model name or path to the .onnx model to load. The cli looks for models with this chain: first use the provided path. If the path does not exist, look for a model
				with this name at $HOME/sightglass/models. Finally, try to download the model from Huggingface and use it.
				--type: pipeline type. Currently implemented types are: classification, detection, embedding, and segmentation
				--backend: execution backend, one of: cpu, cuda, tensorrt, go
				--onnxruntimeSharedLibrary: path to the onnxruntime.so library. If not provided, the cli will try to load it from $HOME/lib/sightglass/onnxruntime.so before falling back to the system default.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Path to the model",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "type",
			Usage:       "Pipeline type",
			Aliases:     []string{"t"},
			Destination: &pipelineType,
			Value:       "classification",
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Execution backend",
			Aliases:     []string{"e"},
			Destination: &backendName,
			Value:       "go",
		},
		&cli.StringFlag{
			Name:        "onnxruntimeSharedLibrary",
			Usage:       "Path to onnxruntime.so",
			Aliases:     []string{"s"},
			Destination: &sharedLibraryPath,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of images to process in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Required:    false,
			Value:       20,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/sightglass/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
			Required:    false,
			Value:       "",
		},
		&cli.IntFlag{
			Name:        "topK",
			Usage:       "Number of classes to return per image",
			Aliases:     []string{"k"},
			Destination: &topK,
			Value:       5,
		},
		&cli.Float64Flag{
			Name:        "threshold",
			Usage:       "Minimum score for a prediction to be returned",
			Destination: &scoreThreshold,
			Value:       0.0,
		},
	},
	Action: func(ctx *cli.Context) error {

		backend, err := backends.ParseBackend(backendName)
		if err != nil {
			return err
		}

		var sessionOptions []options.WithOption

		if modelsDir == "" {
			userDir, homeErr := os.UserHomeDir()
			if homeErr != nil {
				return homeErr
			}
			modelsDir = fileutil.PathJoinSafe(userDir, "sightglass", "models")
		}

		if sharedLibraryPath != "" {
			sessionOptions = append(sessionOptions, options.WithOnnxLibraryPath(sharedLibraryPath))
		} else if backend.ORTFamily() {
			if homeDir, homeErr := os.UserHomeDir(); homeErr == nil {
				libraryPath := path.Join(homeDir, "lib", "sightglass", "onnxruntime.so")
				if exists, existsErr := fileutil.FileExists(libraryPath); existsErr == nil && exists {
					sessionOptions = append(sessionOptions, options.WithOnnxLibraryPath(libraryPath))
				}
			}
		}

		session := sightglass.NewSession()
		if err = session.Initialize(backend, sessionOptions...); err != nil {
			return err
		}

		var setupErrs []error

		defer func() {
			err := session.Destroy()
			setupErrs = append(setupErrs, err)
		}()

		resolvedPath, err := resolveModel(modelPath, sightglass.NewDownloadOptions())
		if err != nil {
			return err
		}

		var pipe backends.Pipeline

		switch pipelineType {
		case "classification":
			var opts []sightglass.ImageClassificationOption
			if topK > 0 {
				opts = append(opts, pipelines.WithTopK(topK))
			}
			if scoreThreshold > 0 {
				opts = append(opts, pipelines.WithScoreThreshold(float32(scoreThreshold)))
			}
			pipe, err = session.LoadModel("cliPipeline", resolvedPath, opts...)
			setupErrs = append(setupErrs, err)
		case "detection":
			var opts []sightglass.ObjectDetectionOption
			if scoreThreshold > 0 {
				opts = append(opts, pipelines.WithDetectionScoreThreshold(float32(scoreThreshold)))
			}
			pipe, err = session.LoadDetector("cliPipeline", resolvedPath, opts...)
			setupErrs = append(setupErrs, err)
		case "embedding":
			pipe, err = session.LoadEmbedder("cliPipeline", resolvedPath)
			setupErrs = append(setupErrs, err)
		case "segmentation":
			pipe, err = session.LoadSegmenter("cliPipeline", resolvedPath)
			setupErrs = append(setupErrs, err)
		default:
			setupErrs = append(setupErrs, fmt.Errorf("pipeline type %s not implemented", pipelineType))
		}
		if e := errors.Join(setupErrs...); e != nil {
			return e
		}

		inputChannel := make(chan []input, 1000)
		processedChannel := make(chan []byte, 1000)
		errorsChannel := make(chan error, 1000)
		nWriteWorkers := 1
		nProcessWorkers := 1
		var processedWg, writeWg sync.WaitGroup

		for range nProcessWorkers {
			go processWithPipeline(&processedWg, inputChannel, processedChannel, errorsChannel, pipe)
			processedWg.Add(1)
		}

		var writers []struct {
			Writer io.WriteCloser
			Type   string
		}

		for i := range nWriteWorkers {
			var writer io.WriteCloser
			writerType := "stdout"

			if outputPath != "" {
				dest := fileutil.PathJoinSafe(outputPath, fmt.Sprintf("result-%d.jsonl", i))
				writer, err = fileutil.NewFileWriter(dest, "application/json")
				if err != nil {
					return err
				}
				writerType = "file"
			} else {
				writer = os.Stdout
			}

			writers = append(writers, struct {
				Writer io.WriteCloser
				Type   string
			}{
				Writer: writer,
				Type:   writerType,
			})
			writeWg.Add(1)
			go writeOutputs(&writeWg, processedChannel, errorsChannel, writer)
		}

		defer func() {
			for _, writer := range writers {
				if writer.Type != "stdout" {
					err = errors.Join(err, writer.Writer.Close())
				}
			}
		}()

		// read inputs

		exists, err := fileutil.FileExists(inputPath)
		if err != nil {
			return err
		}
		exists = inputPath != "" && exists

		if exists {
			fileWalker := func(ctx context.Context, baseURL, parent string, info os.FileInfo, reader io.Reader) (toContinue bool, err error) {
				extension := strings.ToLower(filepath.Ext(info.Name()))
				if extension == ".jsonl" {
					if err := readInputs(reader, inputChannel); err != nil {
						return false, err
					}
				} else if imageExtensions[extension] {
					inputChannel <- []input{{Input: fileutil.PathJoinSafe(baseURL, parent, info.Name())}}
				}
				return true, nil
			}

			err := fileutil.WalkDir()(ctx.Context, inputPath, fileWalker)
			if err != nil {
				return err
			}
		} else {
			if inputPath != "" {
				return fmt.Errorf("file %s does not exist", inputPath)
			}

			if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
				// there is something to process on stdin
				err := readInputs(os.Stdin, inputChannel)
				if err != nil {
					return err
				}
			}
		}

		close(inputChannel)
		processedWg.Wait()
		close(processedChannel)
		close(errorsChannel)
		writeWg.Wait()
		return err
	},
}

var downloadDestination string
var downloadOnnxFilePath string
var downloadBranch string
var downloadToken string
var downloadVerbose bool

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download an onnx image model from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Name of the huggingface model repository",
			Aliases:     []string{"m"},
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "destination",
			Usage:       "Folder where to store the model. Falls back to $HOME/sightglass/models if not specified",
			Aliases:     []string{"d"},
			Destination: &downloadDestination,
		},
		&cli.StringFlag{
			Name:        "onnxFilePath",
			Usage:       "Path of the .onnx file inside the repository, for repositories with multiple .onnx files",
			Destination: &downloadOnnxFilePath,
		},
		&cli.StringFlag{
			Name:        "branch",
			Usage:       "Repository branch to download from",
			Destination: &downloadBranch,
			Value:       "main",
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Huggingface auth token for gated models",
			Destination: &downloadToken,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Print download progress",
			Destination: &downloadVerbose,
			Value:       true,
		},
	},
	Action: func(ctx *cli.Context) error {
		if downloadDestination == "" {
			userDir, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			downloadDestination = fileutil.PathJoinSafe(userDir, "sightglass", "models")
		}
		if err := fileutil.CreateFile(downloadDestination, true); err != nil {
			return err
		}

		downloadOptions := sightglass.NewDownloadOptions()
		downloadOptions.OnnxFilePath = downloadOnnxFilePath
		downloadOptions.Branch = downloadBranch
		downloadOptions.AuthToken = downloadToken
		downloadOptions.Verbose = downloadVerbose

		downloadedPath, err := sightglass.DownloadModel(modelPath, downloadDestination, downloadOptions)
		if err != nil {
			return err
		}
		fmt.Println(downloadedPath)
		return nil
	},
}

func main() {
	app := &cli.App{
		Name:     "sightglass",
		Usage:    "Image model inference from the command line",
		Commands: []*cli.Command{classifyCommand, downloadCommand, serveCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

// resolveModel turns a model argument into a local path: first as a path,
// then as the name of a previously downloaded model, finally by
// downloading it from huggingface.
func resolveModel(model string, downloadOptions sightglass.DownloadOptions) (string, error) {
	ok, err := fileutil.FileExists(model)
	if err != nil {
		return "", err
	}
	if ok {
		return model, nil
	}

	downloadedModelName := strings.Replace(model, "/", "_", -1)
	downloadedModelPath := fileutil.PathJoinSafe(modelsDir, downloadedModelName)
	ok, err = fileutil.FileExists(downloadedModelPath)
	if err != nil {
		return "", err
	}
	if ok {
		return downloadedModelPath, nil
	}

	if strings.Contains(model, ":") {
		return "", fmt.Errorf("filters with : are currently not supported")
	}
	if err := fileutil.CreateFile(modelsDir, true); err != nil {
		return "", err
	}
	return sightglass.DownloadModel(model, modelsDir, downloadOptions)
}

func writeOutputs(wg *sync.WaitGroup, processedChannel chan []byte, errorChannel chan error, writeTarget io.WriteCloser) {

	for processedChannel != nil || errorChannel != nil {
		select {
		case output, ok := <-processedChannel:
			if !ok {
				processedChannel = nil
			}
			_, err := writeTarget.Write(output)
			if err != nil {
				panic(err)
			}
			_, err = writeTarget.Write([]byte("\n"))
			if err != nil {
				panic(err)
			}
		case err, ok := <-errorChannel:
			if !ok {
				errorChannel = nil
			}
			if err != nil {
				_, err = os.Stderr.WriteString(err.Error())
				if err != nil {
					panic(err)
				}
			}
		}
	}
	wg.Done()
}

func processWithPipeline(wg *sync.WaitGroup, inputChannel chan []input, processedChannel chan []byte, errorsChannel chan error, p backends.Pipeline) {
	for inputBatch := range inputChannel {
		inputPaths := make([]string, len(inputBatch))
		for i := range len(inputBatch) {
			inputPaths[i] = inputBatch[i].Input
		}
		output, err := p.Run(inputPaths)
		if err != nil {
			errorsChannel <- err
		} else {
			batchOutputs := output.GetOutput()
			for i, batchOutput := range batchOutputs {
				out := inputBatch[i]
				out.Output = batchOutput
				outputBytes, marshallErr := jsoniter.Marshal(out)
				if marshallErr != nil {
					errorsChannel <- marshallErr
				} else {
					processedChannel <- outputBytes
				}
			}
		}
	}
	wg.Done()
}

func readInputs(inputSource io.Reader, inputChannel chan []input) error {
	inputBatch := make([]input, 0, 20)

	scanner := bufio.NewScanner(inputSource)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var in input
		if strings.HasPrefix(line, "{") {
			if err := jsoniter.UnmarshalFromString(line, &in); err != nil {
				return err
			}
		} else {
			in.Input = line
		}
		inputBatch = append(inputBatch, in)
		if len(inputBatch) == batchSize {
			inputChannel <- inputBatch
			inputBatch = []input{}
		}
	}
	// flush
	if len(inputBatch) > 0 {
		inputChannel <- inputBatch
	}
	return nil
}

type input struct {
	Input  string `json:"input"`
	Output any    `json:"output"`
}

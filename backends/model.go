package backends

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/sightglass-ml/sightglass/util/fileutil"
)

// Model wraps one ONNX graph loaded on a backend, together with the label
// map and shape metadata read from the model directory.
type Model struct {
	Name         string
	Path         string
	OnnxFilename string
	OnnxPath     string
	OnnxBytes    []byte
	Version      string
	Kind         ModelKind
	ORTModel     *ORTModel
	GoModel      *GoModel
	Environment  *Environment
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo
	IDLabelMap   map[int]string
	Pipelines    map[string]Pipeline
	destroy      func() error
	destroyed    bool
}

// LoadModel reads the ONNX graph at path, its labels and version, and
// brings it up on the environment's backend. Path can point at a model
// directory in the usual hub layout or directly at an .onnx file.
func LoadModel(path string, onnxFilename string, kind ModelKind, env *Environment) (*Model, error) {
	if env == nil || env.Destroyed() {
		return nil, &NotInitializedError{Op: "load model"}
	}
	model := &Model{
		Name:         strings.TrimSuffix(filepath.Base(path), ".onnx"),
		Path:         path,
		OnnxFilename: onnxFilename,
		Kind:         kind,
		Environment:  env,
		Pipelines:    map[string]Pipeline{},
	}
	if err := loadOnnxModelBytes(model); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	if err := loadModelConfig(model); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	if err := CreateModelBackend(model, env); err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	return model, nil
}

// Destroy releases the backend session for this model. Safe to call more
// than once; any use of the model afterwards fails with NotLoadedError.
func (m *Model) Destroy() error {
	if m == nil || m.destroyed {
		return nil
	}
	m.destroyed = true
	m.OnnxBytes = nil
	if m.destroy == nil {
		return nil
	}
	return m.destroy()
}

// Destroyed reports whether the model has been destroyed.
func (m *Model) Destroyed() bool {
	return m == nil || m.destroyed
}

// CheckLoaded returns a NotLoadedError when the model has been destroyed or
// never came up on a backend.
func (m *Model) CheckLoaded() error {
	if m == nil {
		return &NotLoadedError{}
	}
	if m.destroyed || (m.ORTModel == nil && m.GoModel == nil) {
		return &NotLoadedError{Model: m.Name}
	}
	return nil
}

func loadOnnxModelBytes(model *Model) error {
	if strings.HasSuffix(model.Path, ".onnx") {
		exists, err := fileutil.FileExists(model.Path)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("cannot find model file at %s", model.Path)
		}
		model.OnnxPath = model.Path
	} else {
		onnxPath, err := getOnnxModelPath(model.Path, model.OnnxFilename)
		if err != nil {
			return err
		}
		model.OnnxPath = onnxPath
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return err
	}
	model.OnnxBytes = onnxBytes
	return nil
}

// getOnnxModelPath resolves the model file inside a model directory. If
// onnxFilename is empty the directory must contain exactly one .onnx file.
func getOnnxModelPath(path string, onnxFilename string) (string, error) {
	if onnxFilename != "" {
		fullPath := fileutil.PathJoinSafe(path, onnxFilename)
		exists, err := fileutil.FileExists(fullPath)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("cannot find model file %s at %s", onnxFilename, path)
		}
		return fullPath, nil
	}
	onnxFiles, err := getOnnxFiles(path)
	if err != nil {
		return "", err
	}
	if len(onnxFiles) == 0 {
		return "", fmt.Errorf("no .onnx file detected at %s. The model directory must contain an .onnx file", path)
	}
	if len(onnxFiles) > 1 {
		return "", fmt.Errorf("multiple .onnx files detected at %s, the model file must be specified explicitly", path)
	}
	return fileutil.PathJoinSafe(onnxFiles[0][0], onnxFiles[0][1]), nil
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{fileutil.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

// loadModelConfig reads id2label and the model version from config.json,
// falling back to a labels.txt with one class name per line. A model
// without either still loads: class names are synthesized at lookup time.
func loadModelConfig(model *Model) error {
	model.Version = "1.0.0"

	configDir := model.Path
	if strings.HasSuffix(model.Path, ".onnx") {
		configDir = filepath.Dir(model.Path)
	}

	configPath := fileutil.PathJoinSafe(configDir, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return err
	}
	if exists {
		configBytes, readErr := fileutil.ReadFileBytes(configPath)
		if readErr != nil {
			return readErr
		}
		configMap := map[string]any{}
		if unmarshalErr := jsoniter.Unmarshal(configBytes, &configMap); unmarshalErr != nil {
			return fmt.Errorf("cannot parse config.json at %s: %w", configDir, unmarshalErr)
		}
		if id2label, ok := configMap["id2label"].(map[string]any); ok {
			labelMap := make(map[int]string, len(id2label))
			for k, v := range id2label {
				i, atoiErr := strconv.Atoi(k)
				if atoiErr != nil {
					return fmt.Errorf("id2label key %q is not an integer", k)
				}
				label, isString := v.(string)
				if !isString {
					return fmt.Errorf("id2label value for key %q is not a string", k)
				}
				labelMap[i] = label
			}
			model.IDLabelMap = labelMap
		}
		if version, ok := configMap["version"].(string); ok {
			model.Version = version
		} else if version, ok := configMap["transformers_version"].(string); ok {
			model.Version = version
		}
	}

	if model.IDLabelMap == nil {
		labels, labelsErr := readLabelsFile(fileutil.PathJoinSafe(configDir, "labels.txt"))
		if labelsErr != nil {
			return labelsErr
		}
		model.IDLabelMap = labels
	}
	return nil
}

// readLabelsFile reads one class name per line, indexed from zero. A
// missing file is not an error and yields a nil map.
func readLabelsFile(path string) (labels map[int]string, err error) {
	exists, existsErr := fileutil.FileExists(path)
	if existsErr != nil || !exists {
		return nil, existsErr
	}
	reader, openErr := fileutil.OpenFile(path)
	if openErr != nil {
		return nil, openErr
	}
	defer func() {
		err = errors.Join(err, fileutil.CloseFile(reader))
	}()
	buffered := bufio.NewReader(reader)
	index := 0
	for {
		line, readErr := fileutil.ReadLine(buffered)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
		if name := strings.TrimSpace(string(line)); name != "" {
			if labels == nil {
				labels = map[int]string{}
			}
			labels[index] = name
			index++
		}
	}
	return labels, err
}

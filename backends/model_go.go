package backends

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/sightglass-ml/sightglass/util/imageutil"
)

// GoModel wraps a gonnx graph interpreter. It runs anywhere without a
// native onnxruntime library, at interpreter speed.
type GoModel struct {
	Model *gonnx.Model
}

func createGoModelBackend(model *Model) error {
	goModel, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}
	inputs, outputs := loadInputOutputMetaGo(goModel)
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	model.GoModel = &GoModel{Model: goModel}
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: convertGoShape(inputShapes[name]),
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: convertGoShape(outputShapes[name]),
		})
	}
	return inputs, outputs
}

// convertGoShape maps dynamic axes to -1 to match the onnxruntime backend.
func convertGoShape(shape gonnx.Shape) Shape {
	dimensions := make([]int64, len(shape))
	for i, dim := range shape {
		if dim.IsDynamic {
			dimensions[i] = -1
		} else {
			dimensions[i] = dim.Size
		}
	}
	return dimensions
}

func createImageTensorsGo(batch *PipelineBatch, model *Model, t *imageutil.Tensor) error {
	mem := model.Environment.Memory
	imgTensor := tensor.New(tensor.WithShape(Shape(t.Shape).ValuesInt()...), tensor.WithBacking(t.Data))
	imgBytes := int64(len(t.Data)) * 4
	mem.TensorCreated(imgBytes)
	ownedBytes := []int64{imgBytes}

	inputs := map[string]tensor.Tensor{model.InputsMeta[0].Name: imgTensor}
	for i, meta := range model.InputsMeta {
		if i == 0 || !strings.Contains(strings.ToLower(meta.Name), "mask") {
			continue
		}
		maskShape := resolveMaskShape(meta.Dimensions, batch.Size, t.Height(), t.Width())
		maskBacking := make([]int64, Shape(maskShape).NumElements())
		for j := range maskBacking {
			maskBacking[j] = 1
		}
		inputs[meta.Name] = tensor.New(tensor.WithShape(Shape(maskShape).ValuesInt()...), tensor.WithBacking(maskBacking))
		maskBytes := int64(len(maskBacking)) * 8
		mem.TensorCreated(maskBytes)
		ownedBytes = append(ownedBytes, maskBytes)
	}
	batch.InputValues = inputs
	batch.DestroyInputs = func() error {
		// Interpreter tensors are plain Go memory, the collector reclaims
		// them once the batch drops its references.
		for _, b := range ownedBytes {
			mem.TensorFreed(b)
		}
		return nil
	}
	return nil
}

func runGoSessionOnBatch(batch *PipelineBatch, model *Model) error {
	mem := model.Environment.Memory
	inputValues, ok := batch.InputValues.(map[string]tensor.Tensor)
	if !ok {
		return errors.New("batch inputs were not created for the go backend")
	}
	result, err := model.GoModel.Model.Run(inputValues)
	if err != nil {
		return err
	}
	outputs := make([]RawOutput, 0, len(model.OutputsMeta))
	for _, meta := range model.OutputsMeta {
		out, present := result[meta.Name]
		if !present {
			return fmt.Errorf("output %s missing from inference result", meta.Name)
		}
		data, isFloat := out.Data().([]float32)
		if !isFloat {
			return fmt.Errorf("output %s is not a float32 tensor", meta.Name)
		}
		shape := make(Shape, len(out.Shape()))
		for i, v := range out.Shape() {
			shape[i] = int64(v)
		}
		outputBytes := int64(len(data)) * 4
		mem.TensorCreated(outputBytes)
		outputs = append(outputs, RawOutput{
			Name:  meta.Name,
			Data:  slices.Clone(data),
			Shape: shape,
		})
		mem.TensorFreed(outputBytes)
	}
	batch.Outputs = outputs
	return nil
}

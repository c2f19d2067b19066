package backends

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/sightglass-ml/sightglass/util/imageutil"
)

// ORTModel wraps the onnxruntime session for one loaded graph.
type ORTModel struct {
	Session *ort.DynamicAdvancedSession
}

func createORTModelBackend(model *Model, env *Environment) error {
	if !ort.IsInitialized() {
		return &NotInitializedError{Op: "create onnxruntime session"}
	}
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(model.OnnxBytes)
	if err != nil {
		return fmt.Errorf("cannot read model metadata: %w", err)
	}
	model.InputsMeta = convertORTInputOutputs(inputs)
	model.OutputsMeta = convertORTInputOutputs(outputs)

	sessionOptions, _ := env.Options.RuntimeOptions.(*ort.SessionOptions)
	if sessionOptions == nil {
		return errors.New("onnxruntime session options are not initialised")
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(model.InputsMeta),
		GetNames(model.OutputsMeta),
		sessionOptions,
	)
	if err != nil {
		return err
	}
	model.ORTModel = &ORTModel{Session: session}
	model.destroy = func() error {
		return session.Destroy()
	}
	return nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func createImageTensorsORT(batch *PipelineBatch, model *Model, t *imageutil.Tensor) error {
	mem := model.Environment.Memory
	imgTensor, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
	if err != nil {
		return err
	}
	imgBytes := int64(len(t.Data)) * 4
	mem.TensorCreated(imgBytes)

	type ownedTensor struct {
		value ort.Value
		bytes int64
	}
	owned := []ownedTensor{{imgTensor, imgBytes}}
	releaseOwned := func() error {
		var destroyErr error
		for _, o := range owned {
			destroyErr = errors.Join(destroyErr, o.value.Destroy())
			mem.TensorFreed(o.bytes)
		}
		return destroyErr
	}

	values := make([]ort.Value, len(model.InputsMeta))
	for i, meta := range model.InputsMeta {
		if i == 0 || !strings.Contains(strings.ToLower(meta.Name), "mask") {
			values[i] = imgTensor
			continue
		}
		// Detection models in the DETR family take a pixel mask next to
		// the image. Every pixel is valid after stretching, so the mask
		// is all ones.
		maskTensor, maskBytes, maskErr := newOnesMask(meta.Dimensions, batch.Size, t.Height(), t.Width())
		if maskErr != nil {
			return errors.Join(maskErr, releaseOwned())
		}
		mem.TensorCreated(maskBytes)
		values[i] = maskTensor
		owned = append(owned, ownedTensor{maskTensor, maskBytes})
	}
	batch.InputValues = values
	batch.DestroyInputs = releaseOwned
	return nil
}

// newOnesMask builds an int64 mask tensor of ones. Dynamic axes resolve to
// the batch size and the image's spatial dimensions.
func newOnesMask(dims Shape, batchSize int, height, width int64) (ort.Value, int64, error) {
	shape := resolveMaskShape(dims, batchSize, height, width)
	count := Shape(shape).NumElements()
	backing := make([]int64, count)
	for i := range backing {
		backing[i] = 1
	}
	maskTensor, err := ort.NewTensor(ort.NewShape(shape...), backing)
	if err != nil {
		return nil, 0, err
	}
	return maskTensor, count * 8, nil
}

func runORTSessionOnBatch(batch *PipelineBatch, model *Model) (e error) {
	mem := model.Environment.Memory
	inputValues, ok := batch.InputValues.([]ort.Value)
	if !ok {
		return errors.New("batch inputs were not created for the onnxruntime backend")
	}

	outputTensors := make([]ort.Value, len(model.OutputsMeta))
	outputBytes := make([]int64, len(model.OutputsMeta))
	defer func() {
		destroyErrors := make([]error, 0, len(outputTensors))
		for i, output := range outputTensors {
			if output != nil {
				destroyErrors = append(destroyErrors, output.Destroy())
				mem.TensorFreed(outputBytes[i])
			}
		}
		e = errors.Join(e, errors.Join(destroyErrors...))
	}()

	for i, meta := range model.OutputsMeta {
		actualDims := make([]int64, 0, len(meta.Dimensions))
		batchDimSet := false
		dynamic := false
		for _, dim := range meta.Dimensions {
			if dim == -1 {
				if !batchDimSet {
					actualDims = append(actualDims, int64(batch.Size))
					batchDimSet = true
				} else {
					dynamic = true
					break
				}
			} else {
				actualDims = append(actualDims, dim)
			}
		}
		if dynamic {
			// More than one dynamic axis, e.g. in-graph non max
			// suppression. The runtime allocates this output during Run.
			continue
		}
		outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(actualDims...))
		if err != nil {
			return err
		}
		outputTensors[i] = outputTensor
		outputBytes[i] = Shape(actualDims).NumElements() * 4
		mem.TensorCreated(outputBytes[i])
	}

	if runErr := model.ORTModel.Session.Run(inputValues, outputTensors); runErr != nil {
		return runErr
	}

	outputs := make([]RawOutput, len(outputTensors))
	for i, value := range outputTensors {
		outputTensor, isFloat := value.(*ort.Tensor[float32])
		if !isFloat {
			return fmt.Errorf("output %s is not a float32 tensor", model.OutputsMeta[i].Name)
		}
		shape := Shape(slices.Clone([]int64(outputTensor.GetShape())))
		if outputBytes[i] == 0 {
			outputBytes[i] = shape.NumElements() * 4
			mem.TensorCreated(outputBytes[i])
		}
		outputs[i] = RawOutput{
			Name:  model.OutputsMeta[i].Name,
			Data:  slices.Clone(outputTensor.GetData()),
			Shape: shape,
		}
	}
	batch.Outputs = outputs
	return nil
}

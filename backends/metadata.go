package backends

import (
	"fmt"
	"sort"
)

// ModelKind tags what a model's outputs mean. Pipelines are built per kind
// and decode the raw outputs accordingly.
type ModelKind string

const (
	// KindClassification models output one score per class.
	KindClassification ModelKind = "classification"
	// KindDetection models output boxes and per-box class scores.
	KindDetection ModelKind = "detection"
	// KindRecognition models output an embedding vector per image.
	KindRecognition ModelKind = "recognition"
	// KindSegmentation models output per-pixel class scores.
	KindSegmentation ModelKind = "segmentation"
)

func (k ModelKind) String() string {
	return string(k)
}

func ParseModelKind(name string) (ModelKind, error) {
	switch ModelKind(name) {
	case KindClassification, KindDetection, KindRecognition, KindSegmentation:
		return ModelKind(name), nil
	}
	return "", fmt.Errorf("unknown model kind %q, must be one of: classification, detection, recognition, segmentation", name)
}

// ModelMetadata describes a loaded model. It is a value: mutating a returned
// copy never touches the model it came from.
type ModelMetadata struct {
	Name        string
	Version     string
	Kind        ModelKind
	InputShape  Shape
	OutputShape Shape
	Labels      map[int]string
}

// Label returns the class name for an index, or a synthesized class_<index>
// name when the model shipped without labels for it.
func (m ModelMetadata) Label(index int) string {
	if label, ok := m.Labels[index]; ok {
		return label
	}
	return fmt.Sprintf("class_%d", index)
}

// LabelList returns the known labels ordered by class index.
func (m ModelMetadata) LabelList() []string {
	indices := make([]int, 0, len(m.Labels))
	for i := range m.Labels {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	labels := make([]string, 0, len(indices))
	for _, i := range indices {
		labels = append(labels, m.Labels[i])
	}
	return labels
}

// Metadata snapshots the model's metadata. Shapes and labels are copied so
// callers can hold on to the result across a Destroy.
func (m *Model) Metadata() ModelMetadata {
	meta := ModelMetadata{
		Name:    m.Name,
		Version: m.Version,
		Kind:    m.Kind,
	}
	if len(m.InputsMeta) > 0 {
		meta.InputShape = append(Shape{}, m.InputsMeta[0].Dimensions...)
	}
	if len(m.OutputsMeta) > 0 {
		meta.OutputShape = append(Shape{}, m.OutputsMeta[0].Dimensions...)
	}
	if m.IDLabelMap != nil {
		meta.Labels = make(map[int]string, len(m.IDLabelMap))
		for i, label := range m.IDLabelMap {
			meta.Labels[i] = label
		}
	}
	return meta
}

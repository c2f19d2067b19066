package main

import (
	"os"

	"github.com/sightglass-ml/sightglass"
	"github.com/sightglass-ml/sightglass/util/fileutil"
)

// download the test models.

type downloadModel struct {
	name         string
	onnxFilePath string
}

var models []downloadModel = []downloadModel{
	{"Xenova/vit-base-patch16-224", "onnx/model.onnx"},
	{"Xenova/detr-resnet-50", "onnx/model.onnx"},
	{"Xenova/clip-vit-base-patch32", "onnx/vision_model.onnx"},
	{"Xenova/segformer-b0-finetuned-ade-512-512", "onnx/model.onnx"},
}

func main() {
	if ok, err := fileutil.FileExists("./models"); err == nil {
		if !ok {

			err = os.MkdirAll("./models", os.ModePerm)
			if err != nil {
				panic(err)
			}

			for _, downloadModel := range models {
				options := sightglass.NewDownloadOptions()
				if downloadModel.onnxFilePath != "" {
					options.OnnxFilePath = downloadModel.onnxFilePath
				}
				_, dlErr := sightglass.DownloadModel(downloadModel.name, "./models", options)
				if dlErr != nil {
					panic(dlErr)
				}
			}
		}
	} else {
		panic(err)
	}
}

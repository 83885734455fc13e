package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/caljoseph/photochrom-ai/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX constants for the subset of the format the exporter writes.
const (
	onnxIRVersion    = 7
	onnxOpsetVersion = 13

	onnxFloat = 1 // TensorProto.DataType FLOAT

	onnxAttrInt    = 2
	onnxAttrString = 3
	onnxAttrInts   = 7
)

// ONNX field numbers (onnx.proto3).
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelModelVersion    protowire.Number = 5
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName protowire.Number = 1
	attrI    protowire.Number = 3
	attrS    protowire.Number = 4
	attrInts protowire.Number = 8
	attrType protowire.Number = 20

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9
)

// onnxNode is a NodeProto under construction.
type onnxNode struct {
	opType  string
	name    string
	inputs  []string
	outputs []string
	attrs   [][]byte
}

func (n *onnxNode) marshal() []byte {
	var b []byte
	for _, in := range n.inputs {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.outputs {
		b = protowire.AppendTag(b, nodeOutput, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendStringField(b, nodeName, n.name)
	b = appendStringField(b, nodeOpType, n.opType)
	for _, a := range n.attrs {
		b = appendBytesField(b, nodeAttribute, a)
	}
	return b
}

func intsAttr(name string, values ...int64) []byte {
	b := appendStringField(nil, attrName, name)
	for _, v := range values {
		b = appendVarintField(b, attrInts, uint64(v))
	}
	return appendVarintField(b, attrType, onnxAttrInts)
}

func intAttr(name string, v int64) []byte {
	b := appendStringField(nil, attrName, name)
	b = appendVarintField(b, attrI, uint64(v))
	return appendVarintField(b, attrType, onnxAttrInt)
}

func stringAttr(name, v string) []byte {
	b := appendStringField(nil, attrName, name)
	b = appendBytesField(b, attrS, []byte(v))
	return appendVarintField(b, attrType, onnxAttrString)
}

// createTensorProto creates an ONNX float initializer with raw
// little-endian data.
func createTensorProto(name string, shape []int, data []float32) []byte {
	var b []byte
	for _, d := range shape {
		b = appendVarintField(b, tensorDims, uint64(d))
	}
	b = appendVarintField(b, tensorDataType, onnxFloat)
	b = appendStringField(b, tensorName, name)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return appendBytesField(b, tensorRawData, raw)
}

// createValueInfo describes a float NCHW graph input or output. Named
// dimensions are symbolic; "" entries use the fixed value from dims.
func createValueInfo(name string, symbolic []string, dims []int) []byte {
	var shape []byte
	for i, d := range dims {
		var dim []byte
		if symbolic[i] != "" {
			dim = appendStringField(dim, 2, symbolic[i]) // dim_param
		} else {
			dim = appendVarintField(dim, 1, uint64(d)) // dim_value
		}
		shape = appendBytesField(shape, 1, dim)
	}
	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, onnxFloat) // elem_type
	tensorType = appendBytesField(tensorType, 2, shape)

	typeProto := appendBytesField(nil, 1, tensorType) // tensor_type
	b := appendStringField(nil, 1, name)
	return appendBytesField(b, 2, typeProto)
}

// ONNXExporter converts checkpoints to ONNX models for inference runtimes.
type ONNXExporter struct {
	// ProducerVersion is recorded in the model header.
	ProducerVersion string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{ProducerVersion: formatVersion}
}

// ExportToONNX writes checkpoint as an ONNX model (opset 13) to path.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data, err := oe.Marshal(checkpoint)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// Marshal encodes checkpoint as a serialized ONNX ModelProto.
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("%w: missing model spec", ErrCheckpointCorrupt)
	}
	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	var opset []byte
	opset = appendVarintField(opset, 2, onnxOpsetVersion) // default domain

	var b []byte
	b = appendVarintField(b, modelIRVersion, onnxIRVersion)
	b = appendStringField(b, modelProducerName, frameworkName)
	b = appendStringField(b, modelProducerVersion, oe.ProducerVersion)
	b = appendVarintField(b, modelModelVersion, 1)
	b = appendBytesField(b, modelGraph, graph)
	b = appendBytesField(b, modelOpsetImport, opset)
	return b, nil
}

// buildONNXGraph creates the ONNX computation graph. Every node's output
// tensor carries the node's name, so LayerSpec.Inputs map directly onto ONNX
// edges.
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec
	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, w := range checkpoint.Weights {
		weightMap[w.Name] = w
	}

	var graph []byte
	graph = appendStringField(graph, graphName, spec.Name)

	for _, layerSpec := range spec.Layers {
		var (
			node         *onnxNode
			initializers [][]byte
			err          error
		)
		switch layerSpec.Type {
		case layers.Conv2D:
			node, initializers, err = oe.createConv2DNode(layerSpec, weightMap)
		case layers.ReLU:
			node = &onnxNode{opType: "Relu"}
		case layers.MaxPool2D:
			node = &onnxNode{opType: "MaxPool", attrs: [][]byte{
				intsAttr("kernel_shape", 2, 2),
				intsAttr("strides", 2, 2),
			}}
		case layers.Upsample:
			node, initializers = oe.createResizeNode(layerSpec)
		case layers.Concat:
			axis, ok := layerSpec.IntParam("axis")
			if !ok {
				axis = 1
			}
			node = &onnxNode{opType: "Concat", attrs: [][]byte{intAttr("axis", int64(axis))}}
		default:
			return nil, fmt.Errorf("unsupported layer type for ONNX export: %s", layerSpec.Type.String())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %w", layerSpec.Name, err)
		}
		if len(layerSpec.Inputs) == 0 {
			return nil, fmt.Errorf("layer %s has no inputs", layerSpec.Name)
		}

		node.name = layerSpec.Name
		node.outputs = []string{layerSpec.Name}
		// Data inputs come first; Conv and Resize append their constants.
		node.inputs = append(append([]string(nil), layerSpec.Inputs...), node.inputs...)

		graph = appendBytesField(graph, graphNode, node.marshal())
		for _, initializer := range initializers {
			graph = appendBytesField(graph, graphInitializer, initializer)
		}
	}

	symbolic := []string{"batch", "", "height", "width"}
	graph = appendBytesField(graph, graphInput, createValueInfo(spec.Input, symbolic, []int{0, spec.InputChannels, 0, 0}))
	graph = appendBytesField(graph, graphOutput, createValueInfo(spec.Output, symbolic, []int{0, spec.OutputChannels, 0, 0}))
	return graph, nil
}

// createConv2DNode creates ONNX Conv node with its weight and bias
// initializers.
func (oe *ONNXExporter) createConv2DNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor) (*onnxNode, [][]byte, error) {
	kernel, ok := layerSpec.IntParam("kernel_size")
	if !ok {
		return nil, nil, fmt.Errorf("missing kernel_size")
	}
	padding, _ := layerSpec.IntParam("padding")

	weightName := layerSpec.Name + ".weight"
	biasName := layerSpec.Name + ".bias"
	weight, ok := weightMap[weightName]
	if !ok {
		return nil, nil, fmt.Errorf("missing weight %s", weightName)
	}
	bias, ok := weightMap[biasName]
	if !ok {
		return nil, nil, fmt.Errorf("missing weight %s", biasName)
	}

	node := &onnxNode{
		opType: "Conv",
		inputs: []string{weightName, biasName},
		attrs: [][]byte{
			intsAttr("kernel_shape", int64(kernel), int64(kernel)),
			intsAttr("strides", 1, 1),
			intsAttr("pads", int64(padding), int64(padding), int64(padding), int64(padding)),
		},
	}
	initializers := [][]byte{
		createTensorProto(weightName, weight.Shape, weight.Data),
		createTensorProto(biasName, bias.Shape, bias.Data),
	}
	return node, initializers, nil
}

// createResizeNode creates a bilinear 2x Resize with half-pixel sampling.
func (oe *ONNXExporter) createResizeNode(layerSpec layers.LayerSpec) (*onnxNode, [][]byte) {
	node := &onnxNode{
		opType: "Resize",
		inputs: []string{"", layerSpec.Name + ".scales"}, // roi unused
		attrs: [][]byte{
			stringAttr("mode", "linear"),
			stringAttr("coordinate_transformation_mode", "pytorch_half_pixel"),
		},
	}
	scales := createTensorProto(layerSpec.Name+".scales", []int{4}, []float32{1, 1, 2, 2})
	return node, [][]byte{scales}
}

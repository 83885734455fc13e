package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/caljoseph/photochrom-ai/layers"
	"github.com/caljoseph/photochrom-ai/tensor"
	"google.golang.org/protobuf/encoding/protowire"
)

// binaryMagic prefixes every binary checkpoint.
var binaryMagic = []byte("PCKPT\x00\x01\x00")

// Binary layout after the magic (protobuf wire format):
//
//	message Checkpoint {
//	  bytes model_spec = 1;             // JSON-encoded layers.ModelSpec
//	  repeated Weight weights = 2;      // { string layer = 1; string type = 2; Tensor tensor = 3; }
//	  TrainingState training_state = 3;
//	  OptimizerState optimizer_state = 4;
//	  Metadata metadata = 5;
//	}
//
// Tensor is the message written by tensor.AppendMessage.
const (
	ckptModelSpec protowire.Number = 1
	ckptWeight    protowire.Number = 2
	ckptTraining  protowire.Number = 3
	ckptOptimizer protowire.Number = 4
	ckptMetadata  protowire.Number = 5
)

// MarshalBinary encodes a checkpoint in the binary checkpoint format.
func MarshalBinary(c *Checkpoint) ([]byte, error) {
	spec, err := json.Marshal(c.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}

	b := append([]byte(nil), binaryMagic...)
	b = appendBytesField(b, ckptModelSpec, spec)
	for _, w := range c.Weights {
		t, err := tensor.New(w.Shape, w.Data)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %w", w.Name, err)
		}
		var msg []byte
		msg = appendStringField(msg, 1, w.Layer)
		msg = appendStringField(msg, 2, w.Type)
		msg = appendBytesField(msg, 3, tensor.AppendMessage(nil, w.Name, t))
		b = appendBytesField(b, ckptWeight, msg)
	}
	b = appendBytesField(b, ckptTraining, marshalTrainingState(c.TrainingState))
	if c.OptimizerState != nil {
		msg, err := marshalOptimizerState(c.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, ckptOptimizer, msg)
	}
	b = appendBytesField(b, ckptMetadata, marshalMetadata(c.Metadata))
	return b, nil
}

// UnmarshalBinary decodes the output of MarshalBinary. Every decode failure
// wraps ErrCheckpointCorrupt.
func UnmarshalBinary(data []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(data, binaryMagic) {
		return nil, fmt.Errorf("%w: not a binary checkpoint", ErrCheckpointCorrupt)
	}
	c := &Checkpoint{}
	err := consumeFields(data[len(binaryMagic):], func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case ckptModelSpec:
			spec := &layers.ModelSpec{}
			if err := json.Unmarshal(msg, spec); err != nil {
				return 0, fmt.Errorf("model spec: %v", err)
			}
			c.ModelSpec = spec
		case ckptWeight:
			w, err := unmarshalWeight(msg)
			if err != nil {
				return 0, err
			}
			c.Weights = append(c.Weights, w)
		case ckptTraining:
			ts, err := unmarshalTrainingState(msg)
			if err != nil {
				return 0, err
			}
			c.TrainingState = ts
		case ckptOptimizer:
			state, err := unmarshalOptimizerState(msg)
			if err != nil {
				return 0, err
			}
			c.OptimizerState = state
		case ckptMetadata:
			md, err := unmarshalMetadata(msg)
			if err != nil {
				return 0, err
			}
			c.Metadata = md
		default:
			return 0, nil
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	return c, nil
}

func unmarshalWeight(msg []byte) (WeightTensor, error) {
	var w WeightTensor
	var haveTensor bool
	err := consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			w.Layer = string(v)
		case 2:
			w.Type = string(v)
		case 3:
			name, t, err := tensor.ConsumeMessage(v)
			if err != nil {
				return 0, err
			}
			w.Name, w.Shape, w.Data = name, t.Shape, t.Data
			haveTensor = true
		default:
			return 0, nil
		}
		return n, nil
	})
	if err == nil && !haveTensor {
		err = fmt.Errorf("weight %q has no tensor", w.Layer)
	}
	return w, err
}

// TrainingState fields.
const (
	tsEpoch protowire.Number = iota + 1
	tsGlobalStep
	tsStepInEpoch
	tsLearningRate
	tsHasBest
	tsBestLoss
	tsBestEpoch
	tsBestFile
	tsHasLast
	tsLastLoss
)

func marshalTrainingState(ts TrainingState) []byte {
	var b []byte
	b = appendVarintField(b, tsEpoch, uint64(ts.Epoch))
	b = appendVarintField(b, tsGlobalStep, uint64(ts.GlobalStep))
	b = appendVarintField(b, tsStepInEpoch, uint64(ts.StepInEpoch))
	b = appendFloatField(b, tsLearningRate, ts.LearningRate)
	b = appendVarintField(b, tsHasBest, protowire.EncodeBool(ts.HasBest))
	b = appendFloatField(b, tsBestLoss, ts.BestLoss)
	b = appendVarintField(b, tsBestEpoch, uint64(ts.BestEpoch))
	b = appendStringField(b, tsBestFile, ts.BestFile)
	b = appendVarintField(b, tsHasLast, protowire.EncodeBool(ts.HasLast))
	b = appendFloatField(b, tsLastLoss, ts.LastLoss)
	return b
}

func unmarshalTrainingState(msg []byte) (TrainingState, error) {
	var ts TrainingState
	err := consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case tsEpoch:
				ts.Epoch = int(v)
			case tsGlobalStep:
				ts.GlobalStep = int(v)
			case tsStepInEpoch:
				ts.StepInEpoch = int(v)
			case tsHasBest:
				ts.HasBest = protowire.DecodeBool(v)
			case tsBestEpoch:
				ts.BestEpoch = int(v)
			case tsHasLast:
				ts.HasLast = protowire.DecodeBool(v)
			}
			return n, nil
		case typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return n, nil
			}
			f := math.Float32frombits(v)
			switch num {
			case tsLearningRate:
				ts.LearningRate = f
			case tsBestLoss:
				ts.BestLoss = f
			case tsLastLoss:
				ts.LastLoss = f
			}
			return n, nil
		case typ == protowire.BytesType && num == tsBestFile:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return n, nil
			}
			ts.BestFile = v
			return n, nil
		}
		return 0, nil
	})
	return ts, err
}

// OptimizerState layout:
//
//	message OptimizerState {
//	  string type = 1;
//	  repeated Param parameters = 2;   // { string key = 1; double value = 2; }
//	  repeated State state_data = 3;   // { string state_type = 1; Tensor tensor = 2; }
//	}
func marshalOptimizerState(s *OptimizerState) ([]byte, error) {
	var b []byte
	b = appendStringField(b, 1, s.Type)
	for _, key := range slices.Sorted(maps.Keys(s.Parameters)) {
		value := s.Parameters[key]
		var p []byte
		p = appendStringField(p, 1, key)
		p = protowire.AppendTag(p, 2, protowire.Fixed64Type)
		p = protowire.AppendFixed64(p, math.Float64bits(value))
		b = appendBytesField(b, 2, p)
	}
	for _, st := range s.StateData {
		t, err := tensor.New(st.Shape, st.Data)
		if err != nil {
			return nil, fmt.Errorf("optimizer state %s: %w", st.Name, err)
		}
		var m []byte
		m = appendStringField(m, 1, st.StateType)
		m = appendBytesField(m, 2, tensor.AppendMessage(nil, st.Name, t))
		b = appendBytesField(b, 3, m)
	}
	return b, nil
}

func unmarshalOptimizerState(msg []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case 1:
			s.Type = string(v)
		case 2:
			var key string
			var value float64
			err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == 1 && typ == protowire.BytesType:
					k, n := protowire.ConsumeString(b)
					key = k
					return n, nil
				case num == 2 && typ == protowire.Fixed64Type:
					bits, n := protowire.ConsumeFixed64(b)
					value = math.Float64frombits(bits)
					return n, nil
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			s.Parameters[key] = value
		case 3:
			var st OptimizerTensor
			err := consumeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ != protowire.BytesType {
					return 0, nil
				}
				raw, n := protowire.ConsumeBytes(b)
				if n < 0 {
					return n, nil
				}
				switch num {
				case 1:
					st.StateType = string(raw)
				case 2:
					name, t, err := tensor.ConsumeMessage(raw)
					if err != nil {
						return 0, err
					}
					st.Name, st.Shape, st.Data = name, t.Shape, t.Data
				}
				return n, nil
			})
			if err != nil {
				return 0, err
			}
			s.StateData = append(s.StateData, st)
		}
		return n, nil
	})
	return s, err
}

// Metadata fields.
const (
	mdVersion protowire.Number = iota + 1
	mdFramework
	mdCreatedAt // unix nanoseconds, zigzag
	mdRunID
	mdDescription
	mdTags
)

func marshalMetadata(md CheckpointMetadata) []byte {
	var b []byte
	b = appendStringField(b, mdVersion, md.Version)
	b = appendStringField(b, mdFramework, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = appendVarintField(b, mdCreatedAt, protowire.EncodeZigZag(md.CreatedAt.UnixNano()))
	}
	b = appendStringField(b, mdRunID, md.RunID)
	b = appendStringField(b, mdDescription, md.Description)
	for _, tag := range md.Tags {
		b = protowire.AppendTag(b, mdTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func unmarshalMetadata(msg []byte) (CheckpointMetadata, error) {
	var md CheckpointMetadata
	err := consumeFields(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == mdCreatedAt && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				md.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
			return n, nil
		}
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return n, nil
		}
		switch num {
		case mdVersion:
			md.Version = v
		case mdFramework:
			md.Framework = v
		case mdRunID:
			md.RunID = v
		case mdDescription:
			md.Description = v
		case mdTags:
			md.Tags = append(md.Tags, v)
		}
		return n, nil
	})
	return md, err
}

// consumeFields walks the fields of a message. fn returns the number of
// bytes it consumed from the field value: 0 skips the field, a negative
// value is a protowire parse error.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

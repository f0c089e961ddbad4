package detector

import (
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortEnv manages global ONNX Runtime initialization (process-wide
// singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		ort.SetSharedLibraryPath(libPath)
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNXOutlierModel scores feature vectors with a pre-trained outlier
// model. The runtime shared library is expected alongside the model
// file.
type ONNXOutlierModel struct {
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	dim        int
}

// NewONNXOutlierModel loads the model and validates that it takes one
// [1, dim] float tensor and produces a single score.
func NewONNXOutlierModel(modelPath string, dim int) (*ONNXOutlierModel, error) {
	libPath := filepath.Join(filepath.Dir(modelPath), "libonnxruntime.so")
	if err := initORT(libPath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("onnx: expected a single input tensor, got %d", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: model has no outputs")
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(2)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	return &ONNXOutlierModel{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		dim:        dim,
	}, nil
}

// Score runs one inference call for the vector.
func (m *ONNXOutlierModel) Score(features []float64) (float64, error) {
	if len(features) != m.dim {
		return 0, fmt.Errorf("feature vector has %d values, model expects %d", len(features), m.dim)
	}

	data := make([]float32, len(features))
	for i, v := range features {
		data[i] = float32(v)
	}

	tIn, err := ort.NewTensor(ort.NewShape(1, int64(m.dim)), data)
	if err != nil {
		return 0, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	defer tIn.Destroy()

	tOut, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer tOut.Destroy()

	m.mu.Lock()
	err = m.session.Run([]ort.Value{tIn}, []ort.Value{tOut})
	m.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("onnx: inference failed: %w", err)
	}

	out := tOut.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("onnx: empty output tensor")
	}
	return float64(out[0]), nil
}

// Dim returns the expected feature dimension.
func (m *ONNXOutlierModel) Dim() int { return m.dim }

// Close releases the session resources.
func (m *ONNXOutlierModel) Close() error {
	return m.session.Destroy()
}

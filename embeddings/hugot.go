package embeddings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

const defaultHugotModel = "sentence-transformers/all-MiniLM-L6-v2"

// hugotEmbedder runs a sentence transformer in-process with the pure Go
// backend, so no embedding server is required.
type hugotEmbedder struct {
	mu        sync.Mutex
	session   *hugot.Session
	pipeline  *pipelines.FeatureExtractionPipeline
	dimension int
}

func NewHugotEmbedder(opts Options) (Embedder, error) {
	modelName := opts.Model
	if modelName == "" || !strings.Contains(modelName, "/") {
		modelName = defaultHugotModel
	}

	modelPath, err := prepareHugotModel(modelName, opts.ModelDir)
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "juris-guard-embedder",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("create feature extraction pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("create feature extraction pipeline: %w", err)
	}

	return &hugotEmbedder{session: session, pipeline: pipeline, dimension: opts.Dimension}, nil
}

// prepareHugotModel downloads the model into dir unless it is already present.
func prepareHugotModel(modelName, dir string) (string, error) {
	if dir == "" {
		dir = "./models"
	}
	modelPath := filepath.Join(dir, strings.ReplaceAll(modelName, "/", "_"))
	if _, err := os.Stat(modelPath); err == nil {
		return modelPath, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory: %w", err)
	}
	downloadOptions := hugot.NewDownloadOptions()
	downloadOptions.OnnxFilePath = "onnx/model.onnx"
	downloaded, err := hugot.DownloadModel(modelName, dir, downloadOptions)
	if err != nil {
		return "", fmt.Errorf("download model %s: %w", modelName, err)
	}
	return downloaded, nil
}

func (e *hugotEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result, err := e.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("run feature extraction: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("hugot embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(result.Embeddings))
	}
	for _, vec := range result.Embeddings {
		if e.dimension > 0 && len(vec) != e.dimension {
			return nil, fmt.Errorf("hugot embedding dimension mismatch: expected %d, got %d", e.dimension, len(vec))
		}
	}
	return result.Embeddings, nil
}

// Close releases the ONNX session.
func (e *hugotEmbedder) Close() error {
	return e.session.Destroy()
}

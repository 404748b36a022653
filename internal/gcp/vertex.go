package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// BoundarySystemPrompt frames the boundary detection model.
const BoundarySystemPrompt = "You are a document analysis tool. Your task is to find where each separate document starts inside a scanned PDF bundle. You must output your response as valid JSON."

// VertexClient holds the pre-configured generative models used by the pipeline.
type VertexClient struct {
	BoundaryModel *genai.GenerativeModel
	baseClient    *genai.Client
}

// NewVertexClient creates a new client holding the boundary detection model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	boundaryModel := baseClient.GenerativeModel(modelName)
	boundaryModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(BoundarySystemPrompt)},
	}
	boundaryModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		BoundaryModel: boundaryModel,
		baseClient:    baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

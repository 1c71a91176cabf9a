package handlers

import "thebalance/models"

// TranslateEmbeddingsRequest 把 OpenAI 风格的 embeddings 请求翻译为
// Gemini 的 batchEmbedContents 形式。每条输入对应一个独立的内容条目。
func TranslateEmbeddingsRequest(req models.EmbeddingsRequest, bareModel string) models.GeminiEmbeddingsRequest {
	out := models.GeminiEmbeddingsRequest{
		Requests: make([]models.GeminiEmbeddingContent, 0, len(req.Input)),
	}
	for _, text := range req.Input {
		out.Requests = append(out.Requests, models.GeminiEmbeddingContent{
			Model: "models/" + bareModel,
			Content: models.GeminiContent{
				Parts: []models.GeminiPart{{Text: text}},
			},
		})
	}
	return out
}

// TranslateEmbeddingsResponse 把 Gemini 的 batchEmbedContents 响应翻译回
// OpenAI 风格。Gemini 不返回 token 用量，usage 填零值。
func TranslateEmbeddingsResponse(g models.GeminiEmbeddingsResponse, model string) models.EmbeddingsResponse {
	out := models.EmbeddingsResponse{
		Object: "list",
		Model:  model,
		Data:   make([]models.Embedding, 0, len(g.Embeddings)),
	}
	for i, emb := range g.Embeddings {
		out.Data = append(out.Data, models.Embedding{
			Object:    "embedding",
			Embedding: emb.Values,
			Index:     i,
		})
	}
	return out
}

package handlers

import (
	"testing"

	"thebalance/models"
)

// TestTranslateEmbeddingsRequest 测试 OpenAI -> Gemini 的请求翻译
func TestTranslateEmbeddingsRequest(t *testing.T) {
	req := models.EmbeddingsRequest{
		Input: []string{"hello", "world"},
		Model: "google-ai-studio/text-embedding-004",
	}

	out := TranslateEmbeddingsRequest(req, "text-embedding-004")

	if len(out.Requests) != 2 {
		t.Fatalf("每条输入应对应一个条目，实际 %d", len(out.Requests))
	}
	if out.Requests[0].Model != "models/text-embedding-004" {
		t.Errorf("模型名应带 models/ 前缀，实际 %q", out.Requests[0].Model)
	}
	if out.Requests[1].Content.Parts[0].Text != "world" {
		t.Errorf("输入文本应按序映射，实际 %q", out.Requests[1].Content.Parts[0].Text)
	}
}

// TestTranslateEmbeddingsResponse 测试 Gemini -> OpenAI 的响应翻译
func TestTranslateEmbeddingsResponse(t *testing.T) {
	g := models.GeminiEmbeddingsResponse{
		Embeddings: []models.GeminiEmbeddingValue{
			{Values: []float32{0.1, 0.2}},
			{Values: []float32{0.3}},
		},
	}

	out := TranslateEmbeddingsResponse(g, "google-ai-studio/text-embedding-004")

	if out.Object != "list" {
		t.Errorf("object 应为 list，实际 %q", out.Object)
	}
	if out.Model != "google-ai-studio/text-embedding-004" {
		t.Errorf("响应应回显客户端的 model 字段，实际 %q", out.Model)
	}
	if len(out.Data) != 2 {
		t.Fatalf("向量条数应一致，实际 %d", len(out.Data))
	}
	for i, d := range out.Data {
		if d.Index != i {
			t.Errorf("index 应按序递增，位置 %d 实际 %d", i, d.Index)
		}
		if d.Object != "embedding" {
			t.Errorf("每条的 object 应为 embedding，实际 %q", d.Object)
		}
	}
	if len(out.Data[1].Embedding) != 1 || out.Data[1].Embedding[0] != 0.3 {
		t.Error("向量值应原样搬运")
	}
}

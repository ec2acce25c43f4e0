package openai

// Model is one /v1/models catalog entry.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the /v1/models list envelope.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

func NewModel(id, ownedBy string, created int64) Model {
	return Model{ID: id, Object: "model", Created: created, OwnedBy: ownedBy}
}

func NewModelsResponse(models []Model) ModelsResponse {
	return ModelsResponse{Object: "list", Data: models}
}

package runbooks

import "slices"

// Model is an entry of the generation model catalog.
type Model struct {
	ID          string `json:"id" doc:"Model identifier passed as model_id"`
	Name        string `json:"name" doc:"Display name"`
	Description string `json:"description,omitempty" doc:"What the model is used for"`
}

// Models is the catalog the server accepts for new runs.
var Models = []Model{
	{
		ID:          "dbrx-instruct",
		Name:        "DBRX Instruct",
		Description: "Instruction-tuned LLM used to draft the runbook",
	},
	{
		ID:          "distilbert-base-uncased",
		Name:        "DistilBERT",
		Description: "Lightweight encoder for section classification",
	},
	{
		ID:          "sentence-transformers/all-MiniLM-L6-v2",
		Name:        "MiniLM L6 v2",
		Description: "Sentence embeddings for retrieval over the input documents",
	},
}

// KnownModel reports whether id is in the catalog.
func KnownModel(id string) bool {
	return slices.ContainsFunc(Models, func(m Model) bool { return m.ID == id })
}

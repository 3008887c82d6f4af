package llm

// Config carries the single configured LLM endpoint's connection details.
type Config struct {
	Model     string
	APIKey    string
	APIURL    string
	MaxTokens int
}

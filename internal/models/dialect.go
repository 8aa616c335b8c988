package models

import "strings"

// Dialect names a vendor wire format.
type Dialect string

const (
	DialectOpenAI     Dialect = "openai"
	DialectAzure      Dialect = "azure"
	DialectOpenRouter Dialect = "openrouter"
	DialectGroq       Dialect = "groq"
	DialectMistral    Dialect = "mistral"
	DialectDeepseek   Dialect = "deepseek"
	DialectXAI        Dialect = "xai"
	DialectPerplexity Dialect = "perplexity"
	DialectTogetherAI Dialect = "togetherai"
	DialectLMStudio   Dialect = "lmstudio"
	DialectLocalAI    Dialect = "localai"
	DialectAnthropic  Dialect = "anthropic"
	DialectGemini     Dialect = "gemini"
	DialectOllama     Dialect = "ollama"
)

// Family groups dialects that share one event grammar.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGemini    Family = "gemini"
	FamilyOllama    Family = "ollama"
)

type dialectInfo struct {
	display     string
	family      Family
	defaultHost string
	keyRequired bool
}

var dialects = map[Dialect]dialectInfo{
	DialectOpenAI:     {"OpenAI", FamilyOpenAI, "https://api.openai.com", true},
	DialectAzure:      {"Azure", FamilyOpenAI, "", true},
	DialectOpenRouter: {"OpenRouter", FamilyOpenAI, "https://openrouter.ai/api", true},
	DialectGroq:       {"Groq", FamilyOpenAI, "https://api.groq.com/openai", true},
	DialectMistral:    {"Mistral", FamilyOpenAI, "https://api.mistral.ai", true},
	DialectDeepseek:   {"Deepseek", FamilyOpenAI, "https://api.deepseek.com", true},
	DialectXAI:        {"xAI", FamilyOpenAI, "https://api.x.ai", true},
	DialectPerplexity: {"Perplexity", FamilyOpenAI, "https://api.perplexity.ai", true},
	DialectTogetherAI: {"Together AI", FamilyOpenAI, "https://api.together.xyz", true},
	DialectLMStudio:   {"LM Studio", FamilyOpenAI, "http://localhost:1234", false},
	DialectLocalAI:    {"LocalAI", FamilyOpenAI, "http://127.0.0.1:8080", false},
	DialectAnthropic:  {"Anthropic", FamilyAnthropic, "https://api.anthropic.com", true},
	DialectGemini:     {"Gemini", FamilyGemini, "https://generativelanguage.googleapis.com", true},
	DialectOllama:     {"Ollama", FamilyOllama, "http://127.0.0.1:11434", false},
}

// ParseDialect normalises a configured or client-supplied dialect name.
func ParseDialect(s string) (Dialect, bool) {
	d := Dialect(strings.ToLower(strings.TrimSpace(s)))
	_, ok := dialects[d]
	return d, ok
}

// Valid reports whether the dialect is known.
func (d Dialect) Valid() bool {
	_, ok := dialects[d]
	return ok
}

// Family returns the event grammar family of the dialect.
func (d Dialect) Family() Family {
	return dialects[d].family
}

// DefaultHost returns the vendor host used when the access has no override.
func (d Dialect) DefaultHost() string {
	return dialects[d].defaultHost
}

// KeyRequired reports whether requests fail without an API key.
func (d Dialect) KeyRequired() bool {
	return dialects[d].keyRequired
}

// DisplayName is the vendor name shown to users.
func (d Dialect) DisplayName() string {
	if info, ok := dialects[d]; ok {
		return info.display
	}
	if d == "" {
		return "Upstream"
	}
	s := string(d)
	return strings.ToUpper(s[:1]) + s[1:]
}

// Dialects lists every known dialect.
func Dialects() []Dialect {
	out := make([]Dialect, 0, len(dialects))
	for d := range dialects {
		out = append(out, d)
	}
	return out
}

package providers

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"
)

// DashScopeProvider wraps OpenAISDKProvider against DashScope's
// OpenAI-compatible endpoint, giving Qwen models a Send implementation
// without a separate client.
type DashScopeProvider struct {
	*OpenAISDKProvider
}

// NewDashScopeProvider builds a DashScopeProvider over the given API key,
// defaulting the base URL and model to DashScope's public Qwen endpoint
// when left empty.
func NewDashScopeProvider(apiKey, apiBase, defaultModel string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	return &DashScopeProvider{
		OpenAISDKProvider: NewOpenAISDKProvider(apiKey, apiBase, defaultModel),
	}
}

func (p *DashScopeProvider) Name() string { return "dashscope" }

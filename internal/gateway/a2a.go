package gateway

import (
	"encoding/json"
	"net/http"
)

// Agent card paths. Both are served; newer clients ask for agent-card.json.
const (
	AgentCardPath       = "/.well-known/agent.json"
	AgentCardPathLatest = "/.well-known/agent-card.json"
)

// AgentCard follows the A2A agent card schema.
type AgentCard struct {
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	URL                string                    `json:"url"`
	Version            string                    `json:"version"`
	ProtocolVersion    string                    `json:"protocolVersion,omitempty"`
	Capabilities       Capabilities              `json:"capabilities"`
	DefaultInputModes  []string                  `json:"defaultInputModes"`
	DefaultOutputModes []string                  `json:"defaultOutputModes"`
	Skills             []AgentSkill              `json:"skills"`
	SecuritySchemes    map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	Security           []map[string][]string     `json:"security,omitempty"`
}

// Capabilities describes what the agent can do.
type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// SecurityScheme advertises how clients authenticate.
type SecurityScheme struct {
	Type   string `json:"type"`
	Scheme string `json:"scheme,omitempty"`
}

var supportedContentTypes = []string{"text", "text/plain"}

// NewAgentCard describes the currency agent served at url.
func NewAgentCard(url string, pushNotifications, basicAuth bool) AgentCard {
	card := AgentCard{
		Name:            "Currency Agent",
		Description:     "Helps with exchange rates for currencies with persistent storage",
		URL:             url,
		Version:         "1.0.0",
		ProtocolVersion: "0.2.5",
		Capabilities: Capabilities{
			Streaming:         true,
			PushNotifications: pushNotifications,
		},
		DefaultInputModes:  supportedContentTypes,
		DefaultOutputModes: supportedContentTypes,
		Skills: []AgentSkill{{
			ID:          "convert_currency",
			Name:        "Currency Exchange Rates Tool",
			Description: "Helps with exchange values between various currencies",
			Tags:        []string{"currency conversion", "currency exchange"},
			Examples:    []string{"What is exchange rate between USD and GBP?"},
		}},
	}
	if basicAuth {
		card.SecuritySchemes = map[string]SecurityScheme{"basic": {Type: "http", Scheme: "basic"}}
		card.Security = []map[string][]string{{"basic": {}}}
	}
	return card
}

// handleAgentCard handles GET requests for the agent card.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(s.cfg.Card)
}

package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AgentCard is the discovery document served at /.well-known/agent.json.
type AgentCard struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	URL                string         `json:"url"`
	Version            string         `json:"version"`
	PreferredTransport string         `json:"preferredTransport"`
	Capabilities       Capabilities   `json:"capabilities"`
	DefaultInputModes  []string       `json:"defaultInputModes"`
	DefaultOutputModes []string       `json:"defaultOutputModes"`
	Skills             []AgentSkill   `json:"skills"`
	Provider           *AgentProvider `json:"provider,omitempty"`
}

// Capabilities advertises optional protocol features. None are offered;
// clients poll tasks/get for progress.
type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill describes one advertised capability of the orchestrator.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// AgentProvider names the organization behind the agent.
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url,omitempty"`
}

func (s *Server) agentCard() *AgentCard {
	base := fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
	return &AgentCard{
		Name:               "routa",
		Description:        "Multi-agent orchestrator that plans work into tasks, runs them in dependency waves and verifies the results.",
		URL:                base + "/a2a",
		Version:            s.cfg.Version,
		PreferredTransport: "JSONRPC",
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills: []AgentSkill{
			{
				ID:          "orchestrate",
				Name:        "Task orchestration",
				Description: "Breaks a request into tasks, delegates them to worker agents wave by wave and verifies completed work before reporting back.",
				Tags:        []string{"planning", "delegation", "verification"},
				Examples:    []string{"Refactor the storage layer and add tests for the new interface."},
			},
		},
		Provider: &AgentProvider{Organization: "routa"},
	}
}

func (s *Server) handleAgentCard(c *gin.Context) {
	c.JSON(http.StatusOK, s.agentCard())
}

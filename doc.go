// Package warden is a secure multi-tenant gateway for autonomous agents.
//
// Warden hosts agent identities behind a WebSocket frame protocol and runs
// every task through a gate chain: sanction checks, lifecycle state,
// validation, approvals, capabilities, usage limits and safety checks, with
// a durable audit trail behind them. Agents reach model providers, tools
// and each other only through the gateway.
//
// # Quick Start
//
// Install Warden:
//
//	go install github.com/kadirpekel/warden/cmd/warden@latest
//
// Create a configuration:
//
//	gateway:
//	  secret: "${WARDEN_SECRET}"
//
//	models:
//	  gpt-4o:
//	    type: "openai"
//	    model: "gpt-4o-mini"
//	    api_key: "${OPENAI_API_KEY}"
//
//	agents:
//	  assistant:
//	    name: "My Assistant"
//	    model: "gpt-4o"
//	    trust_level: "semi-autonomous"
//
// Start the gateway:
//
//	warden serve --config config.yaml
//
// Clients then connect to ws://localhost:8080/ws, authenticate with the
// gateway secret and exchange JSON frames.
package warden

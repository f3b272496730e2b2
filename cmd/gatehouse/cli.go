package main

import "github.com/alecthomas/kong"

// CLI represents gatehouse's command-line interface.
var CLI struct {
	Config           string `help:"Path to config file." name:"config" type:"existingfile"`
	DataDir          string `help:"Directory for the history and audit databases." name:"data-dir"`
	BindHost         string `help:"Address to bind the HTTP server to." name:"bind-host"`
	BindPort         int    `help:"Port to bind the HTTP server to." name:"bind-port"`
	LogLevel         string `help:"Log level: trace, debug, info, warn, error." name:"log-level" enum:"trace,debug,info,warn,error," default:""`
	TraceFastAPIHTTP bool   `help:"Log every request at debug level, mirroring FastAPI's access log verbosity." name:"trace-fastapi-http"`
	ForceOllamaRAG   bool   `help:"Default every /api/chat capture to the simple retrieval policy unless overridden per-request." name:"force-ollama-rag"`
	Version          bool   `help:"Print version information and exit." name:"version"`
}

func parseCLI() {
	kong.Parse(&CLI,
		kong.Name("gatehouse"),
		kong.Description("A local-first Ollama-protocol gateway with branching chat history."),
		kong.UsageOnError(),
	)
}

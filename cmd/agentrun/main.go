// Command agentrun starts the workflow orchestrator server.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/agentrun/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: %v\n", err)
		os.Exit(1)
	}
	if cfg.LLM.APIKey == "" {
		fmt.Fprintln(os.Stderr, "agentrun: LLM_API_KEY is required")
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "agentrun: %v\n", err)
		os.Exit(1)
	}
}

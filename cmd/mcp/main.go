// Command mcp serves the nestbid payments API as MCP tools over stdio,
// letting an LLM agent place bids, pay connection fees and drive
// milestone escrow on a user's behalf.
//
// Configuration comes from the environment: NESTBID_API_URL (defaults
// to the local dev server), NESTBID_API_KEY and NESTBID_USER_ID.
package main

import (
	"cmp"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/nestbid/nestbid/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: cmp.Or(os.Getenv("NESTBID_API_URL"), "http://localhost:8080"),
		APIKey: os.Getenv("NESTBID_API_KEY"),
		UserID: os.Getenv("NESTBID_USER_ID"),
	}
	for name, val := range map[string]string{
		"NESTBID_API_KEY": cfg.APIKey,
		"NESTBID_USER_ID": cfg.UserID,
	} {
		if val == "" {
			fmt.Fprintf(os.Stderr, "%s is required\n", name)
			os.Exit(1)
		}
	}

	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "mcp server: %v\n", err)
		os.Exit(1)
	}
}

// Command gendocs generates man pages and markdown docs from the Cobra commands.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra/doc"

	"clipmesh.dev/go/clipmesh/internal/cli"
)

func main() {
	header := &doc.GenManHeader{
		Title:   "CLIPMESH",
		Section: "1",
		Source:  "clipmesh",
		Manual:  "clipmesh manual",
	}

	if err := os.MkdirAll("./man", 0755); err != nil {
		log.Fatalf("Failed to create man directory: %v", err)
	}

	rootCmd := cli.RootCmd
	rootCmd.DisableAutoGenTag = true

	if err := doc.GenManTree(rootCmd, header, "./man"); err != nil {
		log.Fatalf("Failed to generate man pages: %v", err)
	}
	log.Println("Man pages generated in ./man")

	if err := os.MkdirAll("./docs/cli", 0755); err != nil {
		log.Fatalf("Failed to create docs directory: %v", err)
	}
	if err := doc.GenMarkdownTree(rootCmd, "./docs/cli"); err != nil {
		log.Fatalf("Failed to generate markdown docs: %v", err)
	}
	log.Println("Markdown docs generated in ./docs/cli")
}

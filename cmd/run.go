package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-archives/enrich-cli/internal/pipeline"
)

var runNoRoute bool

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Enrich a single document and print the result",
	Long:  "Runs one OCR text file through the full pipeline outside of any job, printing the enriched document as JSON. Useful for trying out schema and agent changes before enqueueing a batch.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		path := args[0]
		text, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "read input %s", path)
		}

		name := filepath.Base(path)
		docID := strings.TrimSuffix(name, filepath.Ext(name))

		doc, runErr := env.Orchestrator.Run(ctx, pipeline.DocumentInput{
			DocumentID: docID,
			Text:       string(text),
		})
		if doc == nil {
			return runErr
		}

		if !runNoRoute {
			routed, err := env.Router.Route(ctx, doc)
			if err != nil {
				return err
			}
			doc = routed
		}

		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return eris.Wrap(err, "encode result")
		}
		fmt.Println(string(out))
		return runErr
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoRoute, "no-route", false, "print the result without persisting it")
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/rule"
)

var (
	compileTenant string
	compileQ      string
	compileLast   time.Duration
	compileFrom   string
	compileTo     string
	compileSpec   string
)

// compileCmd lowers a query or rule spec to SQL without touching any
// backend, for debugging and CI linting of saved detections.
var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile a query or rule spec to SQL and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap := catalog.BaseSnapshot()
		compiler := compile.New(compile.Config{})

		cq, err := compileInput(compiler, snap)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cq)
	},
}

func init() {
	compileCmd.Flags().StringVar(&compileTenant, "tenant", "", "tenant to scope the query to")
	compileCmd.Flags().StringVar(&compileQ, "q", "", "free-text query")
	compileCmd.Flags().DurationVar(&compileLast, "last", time.Hour, "relative time window")
	compileCmd.Flags().StringVar(&compileFrom, "from", "", "absolute window start (RFC 3339)")
	compileCmd.Flags().StringVar(&compileTo, "to", "", "absolute window end (RFC 3339)")
	compileCmd.Flags().StringVar(&compileSpec, "spec", "", "path to a rule spec JSON file")
	_ = compileCmd.MarkFlagRequired("tenant")
}

func compileInput(compiler *compile.Compiler, snap *catalog.Snapshot) (*compile.CompiledQuery, error) {
	if compileSpec != "" {
		data, err := os.ReadFile(compileSpec)
		if err != nil {
			return nil, err
		}
		spec, err := rule.UnmarshalSpec(data)
		if err != nil {
			return nil, err
		}
		return compiler.CompileSpec(snap, spec, compileTenant)
	}

	tr, err := timeRangeFlags()
	if err != nil {
		return nil, err
	}
	q, err := rule.ParseQuery(compileQ)
	if err != nil {
		return nil, err
	}
	return compiler.CompileSearch(snap, compileTenant, tr, q, compileTenant)
}

func timeRangeFlags() (rule.TimeRange, error) {
	if compileFrom == "" && compileTo == "" {
		return rule.TimeRange{LastSeconds: uint64(compileLast.Seconds())}, nil
	}
	from, err := time.Parse(time.RFC3339, compileFrom)
	if err != nil {
		return rule.TimeRange{}, fmt.Errorf("parse --from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, compileTo)
	if err != nil {
		return rule.TimeRange{}, fmt.Errorf("parse --to: %w", err)
	}
	return rule.TimeRange{From: &from, To: &to}, nil
}

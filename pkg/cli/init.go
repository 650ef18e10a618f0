package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/cameron-webmatter/pulse/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a pulse.config.toml",
	Long:  `Walk through the server's configuration knobs and write pulse.config.toml`,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if rootDir != "" {
		cwd = rootDir
	}

	defaults := config.DefaultOptions()

	answers := struct {
		Port          string
		Root          string
		Concurrency   string
		BatchWindowMs string
		MaxBatch      string
	}{
		Port:          strconv.Itoa(int(defaults.Port)),
		Root:          defaults.Root,
		Concurrency:   strconv.Itoa(defaults.Concurrency),
		BatchWindowMs: strconv.Itoa(defaults.BatchWindowMs),
		MaxBatch:      strconv.Itoa(defaults.MaxBatch),
	}

	questions := []*survey.Question{
		{
			Name:   "Port",
			Prompt: &survey.Input{Message: "Port to serve on:", Default: answers.Port},
		},
		{
			Name:   "Root",
			Prompt: &survey.Input{Message: "Project root directory:", Default: answers.Root},
		},
		{
			Name:   "Concurrency",
			Prompt: &survey.Input{Message: "Max in-flight update batches (1-32):", Default: answers.Concurrency},
		},
		{
			Name:   "BatchWindowMs",
			Prompt: &survey.Input{Message: "Batch window in milliseconds (10-1000):", Default: answers.BatchWindowMs},
		},
		{
			Name:   "MaxBatch",
			Prompt: &survey.Input{Message: "Max jobs per batch (1-100):", Default: answers.MaxBatch},
		},
	}

	if err := survey.Ask(questions, &answers); err != nil {
		return err
	}

	opts := &config.Options{}
	if opts.Port, err = parseUint16(answers.Port); err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	opts.Root = answers.Root
	if opts.Concurrency, err = strconv.Atoi(answers.Concurrency); err != nil {
		return fmt.Errorf("invalid concurrency: %w", err)
	}
	if opts.BatchWindowMs, err = strconv.Atoi(answers.BatchWindowMs); err != nil {
		return fmt.Errorf("invalid batchWindowMs: %w", err)
	}
	if opts.MaxBatch, err = strconv.Atoi(answers.MaxBatch); err != nil {
		return fmt.Errorf("invalid maxBatch: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	data, err := toml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	outPath := filepath.Join(cwd, "pulse.config.toml")
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\n\033[32m✓\033[0m  wrote %s\n", outPath)
	return nil
}

func parseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// Command tuner tunes beamline optics against beam-dynamics objectives, either
// as a one-shot CLI or as a daemon serving an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var (
	configPath   string
	beamlinePath string
	importPath   string
	savePath     string
	envFile      string
)

var rootCmd = &cobra.Command{
	Use:   "tuner",
	Short: "Beamline optics tuner",
	Long: `tuner adjusts magnet fields and RF cavity settings of a beamline so the ` +
		`online model meets weighted optics objectives. Flags default to the ` +
		`TUNER_CONFIG and TUNER_BEAMLINE environment variables and TUNER_LOG_LEVEL overrides ` +
		`the configured log level; all three may be set in a .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		if !cmd.Flags().Changed("config") {
			configPath = os.Getenv("TUNER_CONFIG")
		}
		if !cmd.Flags().Changed("beamline") {
			beamlinePath = os.Getenv("TUNER_BEAMLINE")
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVar(&configPath, "config", "", "tuner configuration YAML")
	flags.StringVar(&beamlinePath, "beamline", "", "beamline YAML")
	flags.StringVar(&importPath, "import", "", "restore settings from a document written by --save")
	flags.StringVar(&savePath, "save", "", "write settings and the best solution to this file on success")
}

func main() {
	code := 0
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		code = 1
	}
	// runs registered exit handlers such as the history flush
	atexit.Exit(code)
}

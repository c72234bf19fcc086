package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// ============================================================================
// Root command
// ============================================================================

const (
	configFlag   = "config"
	logLevelFlag = "log-level"
	logFileFlag  = "log"
	baseURLFlag  = "base-url"
	tokenFlag    = "token"
	userIDFlag   = "user-id"
	jsonFlag     = "json"
)

var rootCmd = &cobra.Command{
	Use:   "orgspace",
	Short: "OrgSpace messaging CLI",
	Long: "Command-line interface for the OrgSpace conversation engine.\n" +
		"Settings come from ORGSPACE_* environment variables, then ~/.orgspace/config.toml, then flags.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFileFlag))
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String(configFlag, "", "Path to the config file (default ~/.orgspace/config.toml)")
	flags.UintP(logLevelFlag, "v", 0, "Verbosity: 0 warnings, 1 info, 2 debug, 3 trace")
	flags.String(logFileFlag, "-", "Log file path, - for stderr")
	flags.String(baseURLFlag, "", "API base URL")
	flags.String(tokenFlag, "", "Bearer token")
	flags.String(userIDFlag, "", "Your user id")

	for _, key := range []string{configFlag, logLevelFlag, logFileFlag, baseURLFlag, tokenFlag, userIDFlag} {
		bindFlagHelper(key, rootCmd)
	}
}

// bindFlagHelper binds a persistent flag to viper and logs a failure.
func bindFlagHelper(key string, command *cobra.Command) {
	if err := viper.BindPFlag(key, command.PersistentFlags().Lookup(key)); err != nil {
		jww.ERROR.Printf("viper.BindPFlag failed for %q: %+v", key, err)
	}
}

func initLog(threshold uint, logPath string) {
	jww.SetStdoutOutput(os.Stderr)
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file: %v\n", err)
			os.Exit(1)
		}
		jww.SetLogOutput(logOutput)
	}

	level := jww.LevelWarn
	switch {
	case threshold > 2:
		level = jww.LevelTrace
	case threshold == 2:
		level = jww.LevelDebug
	case threshold == 1:
		level = jww.LevelInfo
	}
	jww.SetStdoutThreshold(level)
	jww.SetLogThreshold(level)
	if threshold > 1 {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

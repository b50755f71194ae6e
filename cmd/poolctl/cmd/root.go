package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/poolwatch/internal/config"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/trigger"
)

var (
	cfgFile    string
	ingestAddr string
	backend    string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "poolctl",
	Short: "poolwatch CLI - inspect and operate the poolwatch pipeline",
	Long: `poolctl is a command line tool for operating the poolwatch
notification pipeline.

You can use it to inspect and prune queue paths, run a recovery sweep,
publish raw activity and check the ingest service.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.poolctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&ingestAddr, "ingest", "http://localhost:8080", "ingest service base URL")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "queue backend (postgres|redis|memory), overrides QUEUE_BACKEND")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")

	viper.BindPFlag("ingest", rootCmd.PersistentFlags().Lookup("ingest"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".poolctl")
	}

	viper.SetEnvPrefix("poolctl")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Flags win over the config file
	if !rootCmd.PersistentFlags().Changed("ingest") {
		if s := viper.GetString("ingest"); s != "" {
			ingestAddr = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("backend") {
		backend = viper.GetString("backend")
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
}

// openQueue connects to the configured store. With notify set, pushes are
// announced on nsqd so running workers pick them up.
var openQueue = func(ctx context.Context, notify bool) (*queue.Queue, func(), error) {
	cfg := config.FromEnv()
	if backend != "" {
		cfg.QueueBackend = backend
	}
	store, closeStore, err := queue.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.QueueBackend, err)
	}
	if !notify {
		return queue.New(store, nil), closeStore, nil
	}

	publisher, err := trigger.NewPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("nsq publisher: %w", err)
	}
	return queue.New(store, publisher), func() {
		publisher.Stop()
		closeStore()
	}, nil
}

// resolvePath accepts a full queue path or its last segment, case-insensitive.
func resolvePath(s string) (string, error) {
	for _, p := range queue.Paths {
		if strings.EqualFold(s, p) || strings.EqualFold(s, strings.TrimPrefix(p, "queue/")) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown queue path %q (want one of %s)", s, strings.Join(queue.Paths, ", "))
}

func httpClient() *http.Client {
	return &http.Client{Timeout: timeout}
}

func ingestURL(path string) string {
	return strings.TrimSuffix(ingestAddr, "/") + path
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput writes v to w in the requested format
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		fmt.Fprintf(w, "%+v\n", v)
		return
	}

	if prettyJSON {
		jsonData, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
	}

	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(jsonData))
}

// Command figclient is a small Fig client. It registers a schema, prints the
// current settings and can stay running to show live reloads and heartbeats.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/figsettings/fig/pkg/client"
	"github.com/figsettings/fig/pkg/models"
)

var (
	serverURL   string
	secret      string
	instance    string
	schemaFile  string
	logLevel    string
	pollEvery   time.Duration
	liveReload  bool
	offlineFile string
)

var rootCmd = &cobra.Command{
	Use:          "figclient",
	Short:        "Register with a Fig server and read settings",
	SilenceUsage: true,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the schema with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		out, err := c.Register(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s (client id %s)\n", out.Outcome, out.ClientID)
		return nil
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the current setting values",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		settings, err := c.FetchSettings(cmd.Context())
		if err != nil {
			return err
		}
		printSettings(settings)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register, then keep a heartbeat running and print every settings change",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return c.Run(cmd.Context(), func(s client.Settings) {
			fmt.Printf("── settings at %s ──\n", time.Now().Format(time.RFC3339))
			printSettings(s)
		})
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&serverURL, "url", envOr("FIG_URL", "http://localhost:8080"), "Fig server base URL")
	f.StringVar(&secret, "secret", os.Getenv("FIG_CLIENT_SECRET"), "client secret")
	f.StringVar(&instance, "instance", "", "client instance")
	f.StringVar(&schemaFile, "schema", "", "JSON client definition (defaults to a demo schema)")
	f.StringVar(&logLevel, "log-level", "info", "log level")

	runCmd.Flags().DurationVar(&pollEvery, "poll", 30*time.Second, "heartbeat interval")
	runCmd.Flags().BoolVar(&liveReload, "live-reload", true, "apply setting changes while running")
	runCmd.Flags().StringVar(&offlineFile, "offline-file", "", "file for offline settings")

	rootCmd.AddCommand(registerCmd, settingsCmd, runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newClient() (*client.Client, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	schema, err := loadSchema(schemaFile)
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{
		BaseURL:            serverURL,
		Secret:             secret,
		Instance:           instance,
		Schema:             schema,
		ApplicationVersion: "figclient",
		PollInterval:       pollEvery,
		LiveReload:         liveReload,
		OfflineFile:        offlineFile,
		Logger:             logger,
	})
}

func loadSchema(path string) (client.Schema, error) {
	if path == "" {
		return demoSchema(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return client.Schema{}, err
	}
	var def models.ClientDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return client.Schema{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if instance == "" {
		instance = def.Instance
	}
	return client.Schema{
		Name:          def.Name,
		Description:   def.Description,
		Settings:      def.Settings,
		Verifications: def.Verifications,
	}, nil
}

func demoSchema() client.Schema {
	return client.Schema{
		Name:        "figclient-demo",
		Description: "Demo settings registered by figclient",
		Settings: []models.Setting{
			{Name: "Greeting", ValueType: models.TypeString, DefaultValue: models.StringValue("hello").Ptr()},
			{Name: "Repeat", ValueType: models.TypeInt, DefaultValue: models.IntValue(1).Ptr()},
			{Name: "Timeout", ValueType: models.TypeTimeSpan, DefaultValue: models.TimeSpanValue(5 * time.Second).Ptr()},
			{Name: "ApiToken", ValueType: models.TypeString, IsSecret: true},
		},
		Verifications: []models.VerificationDefinition{{
			Name:         "RepeatIsPositive",
			Kind:         models.VerificationDynamic,
			SettingNames: []string{"Repeat"},
			Code:         `settings.Repeat > 0`,
		}},
	}
}

func printSettings(s client.Settings) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tVALUE")
	for _, name := range names {
		v := s[name]
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, v.Type(), v.String())
	}
	w.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

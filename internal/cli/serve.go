// Package cli implements the ccproxy command set.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ccproxy/ccproxy/internal/config"
	"github.com/ccproxy/ccproxy/internal/server"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	host           string
	port           int
	logLevel       string
	logFile        string
	authToken      string
	configDir      string
	enablePlugins  []string
	disablePlugins []string
}

// ServeCommand runs the proxy in the foreground until interrupted.
func ServeCommand(appConfig *config.AppConfig) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appConfig
			if flags.configDir != "" {
				var err error
				app, err = config.NewAppConfig(config.WithConfigDir(flags.configDir))
				if err != nil {
					return err
				}
				app.SetVersion(appConfig.GetVersion())
			}

			app.Update(func(c *config.Config) {
				if flags.host != "" {
					c.Host = flags.host
				}
				if flags.port != 0 {
					c.Port = flags.port
				}
				if flags.logLevel != "" {
					c.LogLevel = flags.logLevel
				}
				if flags.logFile != "" {
					c.LogFile = flags.logFile
				}
				if flags.authToken != "" {
					c.AuthToken = flags.authToken
				}
				c.DisabledPlugins = mergePluginLists(c.DisabledPlugins, flags.disablePlugins, flags.enablePlugins)
			})

			if err := setupLogging(app.Get()); err != nil {
				return err
			}

			s, err := server.NewServer(app, server.WithVersion(app.GetVersion()))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- s.Start(ctx) }()

			fmt.Printf("ccproxy listening on http://%s\n", s.Addr())

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "listen host (default: from config)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "listen port (default: from config)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "write logs to a file instead of stderr")
	cmd.Flags().StringVar(&flags.authToken, "auth-token", "", "require this bearer token on ingress")
	cmd.Flags().StringVar(&flags.configDir, "config", "", "configuration directory (default: ~/.ccproxy)")
	cmd.Flags().StringSliceVar(&flags.enablePlugins, "enable-plugin", nil, "force-enable a plugin")
	cmd.Flags().StringSliceVar(&flags.disablePlugins, "disable-plugin", nil, "disable a plugin")
	return cmd
}

// mergePluginLists applies the disable flags on top of the file, then strips
// anything the enable flags name.
func mergePluginLists(fromFile, disable, enable []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range append(append([]string(nil), fromFile...), disable...) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range enable {
		for i, d := range out {
			if d == name {
				out = append(out[:i], out[i+1:]...)
				break
			}
		}
	}
	return out
}

// setupLogging configures logrus from the effective configuration.
func setupLogging(cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("cli: invalid log level %q: %w", cfg.LogLevel, err)
	}
	logrus.SetLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("cli: open log file: %w", err)
		}
		logrus.SetOutput(f)
	}
	return nil
}

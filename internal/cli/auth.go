package cli

import (
	"fmt"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/ccproxy/ccproxy/internal/config"
	"github.com/ccproxy/ccproxy/internal/credentials"
	"github.com/ccproxy/ccproxy/pkg/oauth"
)

type authFlags struct {
	provider       string
	credentialFile string
}

// AuthCommand groups the credential subcommands.
func AuthCommand(appConfig *config.AppConfig) *cobra.Command {
	flags := &authFlags{}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage upstream OAuth credentials",
	}
	cmd.PersistentFlags().StringVar(&flags.provider, "provider", "claude", "oauth provider: claude or copilot")
	cmd.PersistentFlags().StringVar(&flags.credentialFile, "credential-file", "", "explicit credential file path")

	cmd.AddCommand(loginCommand(flags))
	cmd.AddCommand(infoCommand(flags))
	cmd.AddCommand(validateCommand(flags))
	return cmd
}

func (f *authFlags) manager() (*oauth.Manager, oauth.ProviderType, error) {
	provider, err := oauth.ParseProviderType(f.provider)
	if err != nil {
		return nil, "", err
	}
	var opts []oauth.ManagerOption
	if f.credentialFile != "" {
		store := credentials.NewStore(provider.String(), credentials.WithPath(f.credentialFile))
		opts = append(opts, oauth.WithStore(provider, store))
	}
	return oauth.NewManager(opts...), provider, nil
}

func loginCommand(flags *authFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Run the interactive OAuth login flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, provider, err := flags.manager()
			if err != nil {
				return err
			}

			cred, err := manager.Login(cmd.Context(), provider, func(url string) {
				fmt.Printf("Open this URL to authorize:\n\n  %s\n\n", url)
				_ = browser.OpenURL(url)
			})
			if err != nil {
				return err
			}

			fmt.Printf("Logged in to %s", provider)
			if cred.SubscriptionTier != "" {
				fmt.Printf(" (%s)", cred.SubscriptionTier)
			}
			fmt.Println()
			return nil
		},
	}
}

func infoCommand(flags *authFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, provider, err := flags.manager()
			if err != nil {
				return err
			}

			store := manager.Store(provider)
			cred, err := store.Load()
			if err != nil {
				return err
			}
			if cred == nil {
				fmt.Printf("No credential stored for %s\n", provider)
				return nil
			}

			fmt.Printf("Provider:  %s\n", provider)
			fmt.Printf("File:      %s\n", store.Find())
			if cred.HasExpiry() {
				fmt.Printf("Expires:   %s (%s)\n", cred.ExpiresAt.Format(time.RFC3339), expiryState(cred))
			} else {
				fmt.Println("Expires:   never")
			}
			if cred.SubscriptionTier != "" {
				fmt.Printf("Tier:      %s\n", cred.SubscriptionTier)
			}
			if len(cred.Scopes) > 0 {
				fmt.Printf("Scopes:    %v\n", cred.Scopes)
			}
			fmt.Printf("Refresh:   %t\n", cred.RefreshToken != "")
			return nil
		},
	}
}

func expiryState(cred *credentials.Credential) string {
	if cred.ExpiresWithin(0) {
		return "expired"
	}
	return "valid"
}

func validateCommand(flags *authFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the credential yields a usable token",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, provider, err := flags.manager()
			if err != nil {
				return err
			}

			if _, err := manager.GetValidToken(cmd.Context(), provider); err != nil {
				return fmt.Errorf("credential for %s is not usable: %w", provider, err)
			}
			fmt.Printf("Credential for %s is valid\n", provider)
			return nil
		},
	}
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mattmorgis/github-token-exchange/pkg/client"
)

var (
	exchangeToken    string
	exchangeAudience string
)

var exchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Exchange a GitHub Actions OIDC token for an installation access token",
	Long: `Exchanges a GitHub Actions OIDC token for a GitHub App installation
access token via a remote exchange server.

If --token is not given, the command redeems the runner's OIDC request
endpoint (ACTIONS_ID_TOKEN_REQUEST_URL / ACTIONS_ID_TOKEN_REQUEST_TOKEN),
which is only available inside a workflow job with 'id-token: write'.`,
	Example: `  # inside a workflow job
  github-token-exchange exchange --server https://exchange.example.com --audience my-audience

  # with an already obtained token
  github-token-exchange exchange --server https://exchange.example.com --token $JWT`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server := viper.GetString(ServerAddrKey)
		if server == "" {
			return fmt.Errorf("no server configured, use --server or GHTEX_SERVER")
		}

		oidcToken := exchangeToken
		if oidcToken == "" {
			log.Debug().Msg("no token given, requesting one from the runner")
			tok, err := requestRunnerToken(cmd.Context(), exchangeAudience)
			if err != nil {
				return fmt.Errorf("requesting runner OIDC token: %w", err)
			}
			oidcToken = tok
		}

		accessToken, err := client.New(server).Exchange(cmd.Context(), oidcToken)
		if err != nil {
			return fmt.Errorf("exchanging token: %w", err)
		}

		// token on stdout only, so it can be captured in scripts
		fmt.Println(accessToken)
		return nil
	},
}

// requestRunnerToken redeems the GitHub Actions runner's OIDC request
// endpoint for an ID token with the given audience.
func requestRunnerToken(ctx context.Context, audience string) (string, error) {
	requestURL := os.Getenv("ACTIONS_ID_TOKEN_REQUEST_URL")
	requestToken := os.Getenv("ACTIONS_ID_TOKEN_REQUEST_TOKEN")
	if requestURL == "" || requestToken == "" {
		return "", fmt.Errorf("ACTIONS_ID_TOKEN_REQUEST_URL / ACTIONS_ID_TOKEN_REQUEST_TOKEN not set, not running in a workflow with 'id-token: write'?")
	}

	if audience != "" {
		u, err := url.Parse(requestURL)
		if err != nil {
			return "", fmt.Errorf("parsing request URL: %w", err)
		}
		q := u.Query()
		q.Set("audience", audience)
		u.RawQuery = q.Encode()
		requestURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+requestToken)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("runner token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if result.Value == "" {
		return "", fmt.Errorf("runner token endpoint returned an empty token")
	}
	return result.Value, nil
}

func init() {
	rootCmd.AddCommand(exchangeCmd)

	exchangeCmd.Flags().StringVarP(&exchangeToken, "token", "t", "", "OIDC token to exchange (skips the runner token request)")
	exchangeCmd.Flags().StringVar(&exchangeAudience, "audience", "", "Audience for the requested runner OIDC token")
}

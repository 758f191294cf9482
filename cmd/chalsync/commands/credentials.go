package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/chalsync/chalsync/pkg/config"
	"github.com/chalsync/chalsync/pkg/engine"
)

// Environment variables consulted for platform credentials.
const (
	envURL   = "CTFD_URL"
	envToken = "CTFD_API_TOKEN"
)

// credentials are the platform URL and admin token for one run.
type credentials struct {
	URL   string
	Token string
}

// prompter asks for a value on a terminal. Tests replace it.
var prompter = promptInput

// isTerminal reports whether in is an interactive terminal.
func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// resolveCredentials walks the chain flag, environment, repository config,
// then an interactive prompt. The token never comes from the config file.
func resolveCredentials(project *config.Project, urlFlag, tokenFlag string, in io.Reader, out io.Writer) (credentials, error) {
	c := credentials{URL: urlFlag, Token: tokenFlag}

	if c.URL == "" {
		c.URL = os.Getenv(envURL)
	}
	if c.URL == "" {
		c.URL = project.URL
	}
	if c.Token == "" {
		c.Token = os.Getenv(envToken)
	}

	interactive := isTerminal(in)
	if c.URL == "" {
		if !interactive {
			return c, fmt.Errorf("no CTFd URL: pass --url, set %s or add url to %s", envURL, config.ProjectFile)
		}
		v, err := prompter(in, out, "CTFd URL", "including the scheme, without any path", false)
		if err != nil {
			return c, err
		}
		c.URL = v
	}
	if c.Token == "" {
		if !interactive {
			return c, fmt.Errorf("no API token: pass --token or set %s", envToken)
		}
		v, err := prompter(in, out, "CTFd API token", "an admin access token, input is hidden", true)
		if err != nil {
			return c, err
		}
		c.Token = v
	}

	c.URL = strings.TrimSpace(c.URL)
	c.Token = strings.TrimSpace(c.Token)
	return c, nil
}

func promptInput(in io.Reader, out io.Writer, title, description string, secret bool) (string, error) {
	var value string
	input := huh.NewInput().
		Title(title).
		Description(description).
		Value(&value).
		Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("a value is required")
			}
			return nil
		})
	if secret {
		input = input.EchoMode(huh.EchoModePassword)
	}

	if err := huh.NewForm(huh.NewGroup(input)).WithInput(in).WithOutput(out).Run(); err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return value, nil
}

// confirmPlan is the confirmation gate. Without a terminal it declines,
// so unattended runs need --yes.
func confirmPlan(in io.Reader, out io.Writer, assumeYes bool) engine.ConfirmFunc {
	if assumeYes {
		return engine.AutoApprove
	}
	return func(ctx context.Context, plan *engine.Plan) (bool, error) {
		if !isTerminal(in) {
			return false, fmt.Errorf("confirmation needs a terminal, pass --yes to deploy unattended")
		}

		var confirmed bool
		title := fmt.Sprintf("Apply %d operation(s) to %d challenge(s)?", plan.ChangeSet.Len(), len(plan.ChangeSet.Targets()))
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title(title).
					Affirmative("Apply").
					Negative("Cancel").
					Value(&confirmed),
			),
		).WithInput(in).WithOutput(out).RunWithContext(ctx)
		if err != nil {
			return false, fmt.Errorf("confirmation prompt failed: %w", err)
		}
		return confirmed, nil
	}
}

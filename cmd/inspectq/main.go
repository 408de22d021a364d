package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const defaultBaseURL = "http://localhost:8080"

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// settings is what every subcommand needs to reach the server. Flags win over
// environment, environment wins over the stored profile.
type settings struct {
	baseURL string
	token   string
	profile string
	robotID string

	store profileStore
}

func (s *settings) resolve(cmd *cobra.Command) error {
	_, prof, err := s.store.active(s.profile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if !flags.Changed("base-url") {
		s.baseURL = firstNonEmpty(os.Getenv("INSPECTQ_BASE_URL"), prof.BaseURL, defaultBaseURL)
	}
	if !flags.Changed("token") {
		s.token = firstNonEmpty(os.Getenv("INSPECTQ_TOKEN"), prof.Token)
	}
	s.robotID = prof.RobotID
	return nil
}

func main() {
	ui := newUI()
	s := &settings{store: newProfileStore()}

	root := &cobra.Command{
		Use:               "inspectq",
		Short:             "Push inspection artifacts and watch the upload queue",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return s.resolve(cmd) },
	}
	root.SetHelpTemplate(helpTemplate(ui, s.store.path))
	root.PersistentFlags().StringVar(&s.baseURL, "base-url", "", "Base URL of the inspectq server (env INSPECTQ_BASE_URL)")
	root.PersistentFlags().StringVar(&s.token, "token", "", "Producer token (env INSPECTQ_TOKEN)")
	root.PersistentFlags().StringVar(&s.profile, "profile", "", "Config profile (env INSPECTQ_PROFILE)")

	root.AddCommand(
		initCmd(s, ui),
		authCmd(s, ui),
		pushCmd(s, ui),
		queueCmd(s, ui),
		healthCmd(s, ui),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err)
		os.Exit(1)
	}
}

func initCmd(s *settings, ui *ui) *cobra.Command {
	var (
		robotID  string
		noPrompt bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or edit a CLI profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, token := s.baseURL, s.token
			robotID = firstNonEmpty(robotID, s.robotID)
			if !noPrompt {
				in := bufio.NewReader(os.Stdin)
				baseURL = prompt(in, "Base URL", baseURL)
				robotID = prompt(in, "Robot id (optional)", robotID)
				if token == "" {
					token = prompt(in, "Producer token (optional)", "")
				}
			}
			name, err := s.store.update(s.profile, func(p *profile) {
				p.BaseURL = firstNonEmpty(baseURL)
				p.RobotID = firstNonEmpty(robotID)
				if t := firstNonEmpty(token); t != "" {
					p.Token = t
				}
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Profile '%s' saved to %s\n", ui.ok("[OK]"), name, s.store.path)
			return nil
		},
	}
	cmd.Flags().StringVar(&robotID, "robot", "", "Default robot id")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Use flags and defaults without asking")
	return cmd
}

func helpTemplate(ui *ui, cfgPath string) string {
	return fmt.Sprintf(`%s: {{.Short}}

Usage:
  {{.UseLine}}
{{if .HasAvailableSubCommands}}
Commands:{{range .Commands}}{{if .IsAvailableCommand}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}
{{end}}{{if .HasAvailableLocalFlags}}
Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}{{if .HasAvailableInheritedFlags}}
Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}
{{end}}
Config file: %s

Examples:
  inspectq init
  inspectq auth mint --robot anymal-01 --save
  inspectq push --mission m-42 ./captures/*.jpg
  inspectq queue stats
`, ui.title("{{.CommandPath}}"), cfgPath)
}

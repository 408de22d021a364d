package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/osvaldoandrade/inspectq/pkg/auth"
	"github.com/osvaldoandrade/inspectq/pkg/auth/sharedsecret"

	"github.com/spf13/cobra"
)

func authCmd(s *settings, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
	}

	var setToken string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a producer token in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(setToken) == "" {
				return errors.New("provide --token")
			}
			return updateProfile(s, ui, "Token stored", func(p *profile) {
				p.Token = strings.TrimSpace(setToken)
			})
		},
	}
	set.Flags().StringVar(&setToken, "token", "", "Producer token")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show stored credentials (masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, prof, err := s.store.active(s.profile)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", ui.title("Profile"), name, ui.dim("("+s.store.path+")"))
			fmt.Printf("  baseUrl: %s\n", firstNonEmpty(prof.BaseURL, "<unset>"))
			fmt.Printf("  token:   %s\n", maskToken(prof.Token))
			fmt.Printf("  robotId: %s\n", firstNonEmpty(prof.RobotID, "<unset>"))
			return nil
		},
	}

	var (
		secret   string
		issuer   string
		audience string
		subject  string
		robotID  string
		scopes   string
		ttl      time.Duration
		save     bool
	)
	mint := &cobra.Command{
		Use:     "mint",
		Short:   "Mint an HS256 producer token from the shared secret",
		Example: "inspectq auth mint --issuer inspectq --audience inspectq --robot anymal-01 --save",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, prof, err := s.store.active(s.profile)
			if err != nil {
				return err
			}

			if secret == "" {
				secret = strings.TrimSpace(os.Getenv("INSPECTQ_TOKEN_SECRET"))
			}
			if secret == "" {
				s, err := promptSecret("Shared secret")
				if err != nil {
					return err
				}
				secret = s
			}
			mc := sharedsecret.Config{
				Secret:   secret,
				Issuer:   firstNonEmpty(issuer, prof.Mint.Issuer, "inspectq"),
				Audience: firstNonEmpty(audience, prof.Mint.Audience, "inspectq"),
			}
			robot := firstNonEmpty(robotID, prof.RobotID)
			token, err := sharedsecret.Mint(mc, sharedsecret.MintOptions{
				Subject: firstNonEmpty(subject, robot, "inspectq-cli"),
				RobotID: robot,
				Scopes:  parseScopes(scopes),
				TTL:     ttl,
			})
			if err != nil {
				return err
			}
			if !save {
				fmt.Println(token)
				return nil
			}
			return updateProfile(s, ui, "Token minted, expires in "+ttl.String(), func(p *profile) {
				p.Token = token
				p.Mint = mintConfig{Issuer: mc.Issuer, Audience: mc.Audience}
				if robot != "" {
					p.RobotID = robot
				}
			})
		},
	}
	mint.Flags().StringVar(&secret, "secret", "", "Shared HMAC secret (prompted when empty)")
	mint.Flags().StringVar(&issuer, "issuer", "", "Token issuer")
	mint.Flags().StringVar(&audience, "audience", "", "Token audience")
	mint.Flags().StringVar(&subject, "subject", "", "Token subject")
	mint.Flags().StringVar(&robotID, "robot", "", "Pin the token to a robot id")
	mint.Flags().StringVar(&scopes, "scopes", "", "Space or comma separated scopes (default ingest and read)")
	mint.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	mint.Flags().BoolVar(&save, "save", false, "Store the token in the active profile")

	var clearAll bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateProfile(s, ui, "Credentials cleared", func(p *profile) {
				p.Token = ""
				if clearAll {
					*p = profile{BaseURL: p.BaseURL}
				}
			})
		},
	}
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "Also forget robot id and mint settings")

	cmd.AddCommand(set, show, mint, clearCmd)
	return cmd
}

func updateProfile(s *settings, ui *ui, msg string, mutate func(*profile)) error {
	name, err := s.store.update(s.profile, mutate)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s for '%s'\n", ui.ok("[OK]"), msg, name)
	return nil
}

func parseScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return auth.DefaultScopes()
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		switch f {
		case "ingest":
			f = auth.ScopeIngest
		case "read":
			f = auth.ScopeRead
		}
		out = append(out, f)
	}
	return out
}

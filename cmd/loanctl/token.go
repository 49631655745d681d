package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vehicle-loan-ledger/internal/infra"
)

// tokenCmd はベアラートークンの操作コマンド。
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage bearer tokens"}

	var (
		subject string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := infra.NewJWTVerifier(os.Getenv("JWT_SECRET"))
			if err != nil {
				return err
			}
			signed, err := verifier.Issue(subject, ttl)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Printf("{\"token\":%q}\n", signed)
			} else {
				fmt.Println(signed)
			}
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Principal the token identifies (required)")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	issue.MarkFlagRequired("subject")

	cmd.AddCommand(issue)
	return cmd
}

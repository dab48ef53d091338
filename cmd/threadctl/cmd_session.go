package main

import (
	"context"
	"fmt"

	"github.com/ashureev/threadsync/internal/app"
	"github.com/ashureev/threadsync/internal/session"
	"github.com/spf13/cobra"
)

var loginIdentity session.Identity

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, syncCmd)

	loginCmd.Flags().StringVar(&loginIdentity.TenantID, "tenant", "", "tenant id (required)")
	loginCmd.Flags().StringVar(&loginIdentity.UserID, "user", "", "user id (required)")
	loginCmd.Flags().StringVar(&loginIdentity.Email, "email", "", "user email")
	loginCmd.Flags().StringVar(&loginIdentity.Name, "name", "", "display name")
	loginCmd.Flags().StringVar(&loginIdentity.Token, "token", "", "bearer token for the remote service")
	_ = loginCmd.MarkFlagRequired("tenant")
	_ = loginCmd.MarkFlagRequired("user")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an identity and sync its conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sess, err := a.Controller.Login(ctx, loginIdentity)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Printf("Logged in as %s/%s\n", sess.TenantID, sess.UserID)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Controller.Logout(ctx); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App) error {
			sess := a.Controller.Session()
			if !sess.HasIdentity() {
				fmt.Println("Not logged in.")
				return nil
			}
			fmt.Printf("Tenant: %s\nUser:   %s\n", sess.TenantID, sess.UserID)
			if sess.Email != "" {
				fmt.Printf("Email:  %s\n", sess.Email)
			}
			if sess.ActiveConversationID != "" {
				fmt.Printf("Active: %s\n", sess.ActiveConversationID)
			}
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile conversations with the remote service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			report, err := a.Controller.Sync(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Fetched %d: %d inserted, %d updated, %d unchanged\n",
				report.Fetched, report.Inserted, report.Updated, report.Unchanged)
			return nil
		})
	},
}

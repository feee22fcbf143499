package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marketplace/dashboard/internal/session"
)

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in as an admin and store the tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" {
				return errors.New("--username and --password are required")
			}
			a, err := newApp(cmd.Context(), nil, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.LoginUser(cmd.Context(), username, password); err != nil {
				return errors.New(session.Message(err))
			}
			fmt.Printf("logged in as %s\n", a.ctrl.State().User.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "admin username")
	cmd.Flags().StringVarP(&password, "password", "p", os.Getenv("DASHBOARD_PASSWORD"), "admin password (defaults to $DASHBOARD_PASSWORD)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil, false)
			if err != nil {
				return err
			}
			defer a.Close()

			a.ctrl.Logout(cmd.Context())
			fmt.Println("logged out")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Resolve the stored session and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), nil, false)
			if err != nil {
				return err
			}
			defer a.Close()

			state := a.ctrl.CheckAuth(cmd.Context())
			out := struct {
				Phase string `json:"phase"`
				session.State
				Token *session.TokenInfo `json:"token,omitempty"`
			}{Phase: state.Phase.String(), State: state}
			if info, ok := a.ctrl.TokenInfo(cmd.Context()); ok {
				out.Token = &info
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if msg := session.ReasonMessage(state.Reason); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			return nil
		},
	}
}
